package pipeline

import (
	"context"
	"image"
)

// Detector is the unified interface for person detection backends
type Detector interface {
	// Name returns the detector identifier (e.g., "http", "grpc")
	Name() string

	// Load makes the backing model ready; failures are fatal for the run
	Load(ctx context.Context) error

	// Detect runs detection on a frame and returns the boxes it found
	Detect(ctx context.Context, frame *FrameData, params DetectParams) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// FrameSource reads frames sequentially from a video
type FrameSource interface {
	// Open prepares the source; an error means the video cannot be read at all
	Open(ctx context.Context) error

	// Next returns the next frame, io.EOF at the end of the video,
	// or an error wrapping ErrFrameDecode for a single unreadable frame
	Next(ctx context.Context) (*FrameData, error)

	// Rewind restarts the video from the first frame
	Rewind() error

	// Close releases the source
	Close() error
}

// SamplingStrategy decides which acquired frames are processed
type SamplingStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// ShouldSample is called once per acquired frame
	ShouldSample(frame *FrameData) bool

	// Reset clears internal state (e.g., on restart)
	Reset()
}

// Annotator renders zones, counts and kept detections onto a frame
type Annotator interface {
	// Annotate returns the encoded image and its format
	Annotate(frame image.Image, zones []Zone, counts CountVector, points []RepresentativePoint) ([]byte, string, error)
}

// QueueResultHandler receives published results
type QueueResultHandler interface {
	// OnQueueResult is called once per processed frame, in frame order
	OnQueueResult(result *QueueResult)
}

// QueueResultHandlerFunc adapts a function to QueueResultHandler
type QueueResultHandlerFunc func(result *QueueResult)

// OnQueueResult implements QueueResultHandler
func (f QueueResultHandlerFunc) OnQueueResult(result *QueueResult) {
	f(result)
}
