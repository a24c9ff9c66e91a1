package strategies

import (
	"sync"
	"time"

	"queueguard/internal/pipeline"
)

// IntervalStrategy processes at most one frame per interval of capture time
// Useful for live streams whose frame rate varies
type IntervalStrategy struct {
	interval   time.Duration
	lastSample time.Time
	mu         sync.Mutex
}

// NewIntervalStrategy creates an interval sampling strategy
func NewIntervalStrategy(interval time.Duration) *IntervalStrategy {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &IntervalStrategy{
		interval: interval,
	}
}

func (s *IntervalStrategy) Name() string {
	return string(pipeline.SamplingModeInterval)
}

func (s *IntervalStrategy) ShouldSample(frame *pipeline.FrameData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !s.lastSample.IsZero() && ts.Sub(s.lastSample) < s.interval {
		return false
	}
	s.lastSample = ts
	return true
}

func (s *IntervalStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSample = time.Time{}
}
