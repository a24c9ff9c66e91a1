package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queueguard/internal/pipeline"
)

func TestEveryNthStrategy(t *testing.T) {
	s := NewEveryNthStrategy(2)
	frame := &pipeline.FrameData{}

	var sampled []int
	for i := 1; i <= 6; i++ {
		if s.ShouldSample(frame) {
			sampled = append(sampled, i)
		}
	}
	assert.Equal(t, []int{2, 4, 6}, sampled)

	s.Reset()
	assert.False(t, s.ShouldSample(frame), "first frame after reset is skipped")
	assert.True(t, s.ShouldSample(frame))
}

func TestEveryNthStrategy_ProcessAll(t *testing.T) {
	s := NewEveryNthStrategy(0)
	for i := 0; i < 3; i++ {
		assert.True(t, s.ShouldSample(&pipeline.FrameData{}))
	}
}

func TestIntervalStrategy(t *testing.T) {
	s := NewIntervalStrategy(time.Second)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, s.ShouldSample(&pipeline.FrameData{Timestamp: base}))
	assert.False(t, s.ShouldSample(&pipeline.FrameData{Timestamp: base.Add(400 * time.Millisecond)}))
	assert.True(t, s.ShouldSample(&pipeline.FrameData{Timestamp: base.Add(time.Second)}))

	s.Reset()
	assert.True(t, s.ShouldSample(&pipeline.FrameData{Timestamp: base.Add(1100 * time.Millisecond)}))
}

func TestCreate(t *testing.T) {
	cfg := pipeline.DefaultPipelineConfig()

	s, err := Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, "every_nth", s.Name())

	cfg.SamplingMode = pipeline.SamplingModeInterval
	s, err = Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, "interval", s.Name())

	cfg.SamplingMode = "motion"
	_, err = Create(cfg)
	assert.Error(t, err)
}
