package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"queueguard/internal/pipeline"
)

// StatsFunc reads the current pipeline counters
type StatsFunc func() pipeline.PipelineStats

// Metrics holds all application metrics
type Metrics struct {
	// Per-queue state
	queueLength    *prometheus.GaugeVec
	queueRawLength *prometheus.GaugeVec
	totalPeople    prometheus.Gauge
	bestQueue      prometheus.Gauge
	window         prometheus.Gauge

	// Processing
	resultsTotal prometheus.Counter
	inference    prometheus.Histogram

	clients atomic.Pointer[func() int]

	zoneCount atomic.Int64
	registry  *prometheus.Registry
}

// New creates a Metrics instance; stats may be nil
func New(stats StatsFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queueguard_queue_length",
			Help: "Smoothed number of people per queue",
		}, []string{"queue"}),
		queueRawLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queueguard_queue_raw_length",
			Help: "Unsmoothed number of people per queue in the last processed frame",
		}, []string{"queue"}),
		totalPeople: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queueguard_total_people",
			Help: "Total people across all queues",
		}),
		bestQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queueguard_best_queue",
			Help: "1-based index of the recommended queue",
		}),
		window: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queueguard_smoothing_window_fill",
			Help: "Samples currently in the smoothing window",
		}),
		resultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queueguard_results_published_total",
			Help: "Total queue results published",
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queueguard_inference_ms",
			Help:    "Detector round trip time in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}

	m.registry.MustRegister(m.queueLength, m.queueRawLength, m.totalPeople, m.bestQueue,
		m.window, m.resultsTotal, m.inference)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "queueguard_clients",
			Help: "Connected websocket and stream viewers",
		},
		func() float64 {
			if fn := m.clients.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	))

	if stats != nil {
		m.registerPipelineStats(stats)
	}
	return m
}

// SetClientCounter sets the function reporting connected viewers
func (m *Metrics) SetClientCounter(fn func() int) {
	m.clients.Store(&fn)
}

// registerPipelineStats exposes the pipeline's own counters
func (m *Metrics) registerPipelineStats(stats StatsFunc) {
	counters := []struct {
		name string
		help string
		get  func(pipeline.PipelineStats) uint64
	}{
		{"queueguard_frames_acquired_total", "Total frames read from the source", func(s pipeline.PipelineStats) uint64 { return s.FramesAcquired }},
		{"queueguard_frames_sampled_total", "Total frames selected for detection", func(s pipeline.PipelineStats) uint64 { return s.FramesSampled }},
		{"queueguard_frames_skipped_total", "Total frames skipped as unreadable", func(s pipeline.PipelineStats) uint64 { return s.FramesSkipped }},
		{"queueguard_detector_errors_total", "Total failed detector calls", func(s pipeline.PipelineStats) uint64 { return s.DetectorErrors }},
		{"queueguard_source_rewinds_total", "Total times the video was restarted", func(s pipeline.PipelineStats) uint64 { return s.Rewinds }},
	}

	for _, c := range counters {
		get := c.get
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(get(stats())) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "queueguard_pipeline_running",
			Help: "1 while the pipeline is processing frames",
		},
		func() float64 {
			if stats().State == pipeline.StateRunning {
				return 1
			}
			return 0
		},
	))
}

// OnQueueResult implements pipeline.QueueResultHandler
func (m *Metrics) OnQueueResult(result *pipeline.QueueResult) {
	// Drop series for queues that no longer exist
	if n := int64(len(result.Counts)); n != m.zoneCount.Swap(n) {
		m.queueLength.Reset()
		m.queueRawLength.Reset()
	}

	for i, count := range result.Counts {
		label := strconv.Itoa(i + 1)
		m.queueLength.WithLabelValues(label).Set(float64(count))
		if i < len(result.RawCounts) {
			m.queueRawLength.WithLabelValues(label).Set(float64(result.RawCounts[i]))
		}
	}

	m.totalPeople.Set(float64(result.Record.TotalPeople))
	m.bestQueue.Set(float64(result.Record.BestZone))
	m.window.Set(float64(result.Window))
	m.resultsTotal.Inc()
	m.inference.Observe(float64(result.InferenceMs))
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ pipeline.QueueResultHandler = (*Metrics)(nil)
