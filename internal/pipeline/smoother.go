package pipeline

// DefaultHistoryCapacity is the number of raw count vectors averaged together
const DefaultHistoryCapacity = 5

// Smoother keeps the most recent count vectors and returns their rounded mean.
// It is owned by a single pipeline goroutine and is not safe for concurrent use.
type Smoother struct {
	capacity int
	history  []CountVector
}

// NewSmoother creates a smoother; capacity <= 0 selects DefaultHistoryCapacity
func NewSmoother(capacity int) *Smoother {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Smoother{
		capacity: capacity,
		history:  make([]CountVector, 0, capacity),
	}
}

// Push appends raw to the window and returns the smoothed vector.
// A raw vector whose length differs from the stored ones restarts the window.
func (s *Smoother) Push(raw CountVector) CountVector {
	sample := make(CountVector, len(raw))
	copy(sample, raw)

	if len(s.history) > 0 && len(s.history[0]) != len(sample) {
		s.history = s.history[:0]
	}

	s.history = append(s.history, sample)
	if len(s.history) > s.capacity {
		// Shift rather than reslice so the backing array stays bounded
		copy(s.history, s.history[1:])
		s.history[len(s.history)-1] = nil
		s.history = s.history[:len(s.history)-1]
	}

	smoothed := make(CountVector, len(sample))
	n := float64(len(s.history))
	for i := range smoothed {
		sum := 0
		for _, h := range s.history {
			sum += h[i]
		}
		smoothed[i] = int(roundHalfEven(float64(sum) / n))
	}
	return smoothed
}

// Reset drops all history, e.g. when the zone list is replaced
func (s *Smoother) Reset() {
	for i := range s.history {
		s.history[i] = nil
	}
	s.history = s.history[:0]
}

// Len returns the number of samples currently in the window
func (s *Smoother) Len() int {
	return len(s.history)
}

// Capacity returns the maximum window size
func (s *Smoother) Capacity() int {
	return s.capacity
}

// Width returns the zone count of the stored vectors, 0 when empty
func (s *Smoother) Width() int {
	if len(s.history) == 0 {
		return 0
	}
	return len(s.history[0])
}
