package publish

import (
	"sync"
	"time"

	"queueguard/internal/pipeline"
)

// Store keeps the most recent published result for HTTP readers
type Store struct {
	mu       sync.RWMutex
	latest   *pipeline.QueueResult
	received time.Time
	now      func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{now: time.Now}
}

// OnQueueResult implements pipeline.QueueResultHandler
func (s *Store) OnQueueResult(result *pipeline.QueueResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = result
	s.received = s.now()
}

// Latest returns the last result and when it arrived; nil before the first result
func (s *Store) Latest() (*pipeline.QueueResult, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.received
}

// Frame returns the last annotated image and its format
func (s *Store) Frame() ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil || len(s.latest.ImageData) == 0 {
		return nil, "", false
	}
	return s.latest.ImageData, s.latest.ImageFormat, true
}

// Fresh reports whether a result arrived within maxAge
func (s *Store) Fresh(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return false
	}
	return s.now().Sub(s.received) <= maxAge
}

var _ pipeline.QueueResultHandler = (*Store)(nil)
