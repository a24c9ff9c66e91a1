//go:build gocv

package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// GoCVFrameSource reads frames through OpenCV's VideoCapture.
// Built only with -tags gocv since it needs the OpenCV shared libraries.
type GoCVFrameSource struct {
	uri string

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     uint64
}

// NewGoCVFrameSource creates an OpenCV-backed source for a file, stream URL or device index
func NewGoCVFrameSource(uri string) *GoCVFrameSource {
	return &GoCVFrameSource{uri: uri}
}

func (s *GoCVFrameSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capture, err := gocv.OpenVideoCapture(s.uri)
	if err != nil {
		return fmt.Errorf("cannot open video %s: %w", s.uri, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("cannot open video %s", s.uri)
	}

	s.capture = capture
	s.mat = gocv.NewMat()
	return nil
}

func (s *GoCVFrameSource) Next(ctx context.Context) (*FrameData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, ErrNotRunning
	}
	if ok := s.capture.Read(&s.mat); !ok {
		return nil, io.EOF
	}

	s.seq++
	if s.mat.Empty() {
		return nil, fmt.Errorf("frame %d: %w: empty matrix", s.seq, ErrFrameDecode)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.mat)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w: %v", s.seq, ErrFrameDecode, err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return &FrameData{
		SourceID:  s.uri,
		Data:      data,
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.mat.Cols(),
		Height:    s.mat.Rows(),
	}, nil
}

// Rewind seeks back to the first frame
func (s *GoCVFrameSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return ErrNotRunning
	}
	s.capture.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

func (s *GoCVFrameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	s.mat.Close()
	err := s.capture.Close()
	s.capture = nil
	return err
}

var _ FrameSource = (*GoCVFrameSource)(nil)
