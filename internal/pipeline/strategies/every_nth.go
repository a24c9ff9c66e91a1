package strategies

import (
	"sync"

	"queueguard/internal/pipeline"
)

// EveryNthStrategy processes every Kth acquired frame
// Frames in between are acquired but skipped for throughput
type EveryNthStrategy struct {
	every    uint64
	acquired uint64
	mu       sync.Mutex
}

// NewEveryNthStrategy creates a counting strategy; every <= 1 processes all frames
func NewEveryNthStrategy(every int) *EveryNthStrategy {
	if every < 1 {
		every = 1
	}
	return &EveryNthStrategy{
		every: uint64(every),
	}
}

func (s *EveryNthStrategy) Name() string {
	return string(pipeline.SamplingModeEveryNth)
}

func (s *EveryNthStrategy) ShouldSample(frame *pipeline.FrameData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquired++
	return s.acquired%s.every == 0
}

func (s *EveryNthStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = 0
}
