package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameDecode marks a single frame that could not be decoded; the frame is skipped
	ErrFrameDecode = errors.New("frame decode failed")
	// ErrInvalidDetection marks a detection rejected at the filter boundary
	ErrInvalidDetection = errors.New("invalid detection")
	// ErrNoFrames marks a source that reached its end without producing a single decodable frame
	ErrNoFrames = errors.New("source produced no frames")
	// ErrNotRunning is returned when an operation needs an active pipeline
	ErrNotRunning = errors.New("pipeline not running")
)

// ConfigurationError rejects a zone list before the pipeline starts
type ConfigurationError struct {
	Zone   int // 0-based zone index, -1 for list-level problems
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Zone < 0 {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: zone Q%d: %s", e.Zone+1, e.Reason)
}

// ResourceUnavailableError reports a source or detector that could not be opened
type ResourceUnavailableError struct {
	Resource string // "source" or "detector"
	Err      error
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Resource, e.Err)
}

func (e *ResourceUnavailableError) Unwrap() error {
	return e.Err
}
