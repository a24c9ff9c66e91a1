package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queueguard/internal/pipeline"
)

var fixedTime = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func TestMetrics_OnQueueResult(t *testing.T) {
	m := New(func() pipeline.PipelineStats {
		return pipeline.PipelineStats{State: pipeline.StateRunning, FramesAcquired: 10, DetectorErrors: 2}
	})

	counts := pipeline.CountVector{4, 1}
	m.OnQueueResult(&pipeline.QueueResult{
		RawCounts:   pipeline.CountVector{5, 1},
		Counts:      counts,
		Window:      3,
		InferenceMs: 42,
		Record:      pipeline.NewQueueRecord(fixedTime, counts, pipeline.Recommend(counts)),
	})

	assert.Equal(t, float64(4), testutil.ToFloat64(m.queueLength.WithLabelValues("1")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.queueRawLength.WithLabelValues("1")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.totalPeople))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.bestQueue))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.window))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resultsTotal))

	// Fewer queues after a zone update: stale series are removed
	single := pipeline.CountVector{2}
	m.OnQueueResult(&pipeline.QueueResult{
		Counts: single,
		Record: pipeline.NewQueueRecord(fixedTime, single, pipeline.Recommend(single)),
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.queueLength))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(func() pipeline.PipelineStats {
		return pipeline.PipelineStats{State: pipeline.StateRunning, FramesAcquired: 10, DetectorErrors: 2}
	})
	m.SetClientCounter(func() int { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "queueguard_frames_acquired_total 10"))
	assert.True(t, strings.Contains(text, "queueguard_detector_errors_total 2"))
	assert.True(t, strings.Contains(text, "queueguard_pipeline_running 1"))
	assert.True(t, strings.Contains(text, "queueguard_clients 3"))
}
