// Package stream serves annotated frames as a multipart MJPEG stream.
package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queueguard/internal/pipeline"
)

type frame struct {
	data        []byte
	contentType string
}

// MJPEGBroadcaster pushes every annotated frame to connected viewers.
// Slow viewers miss frames rather than holding up the pipeline.
type MJPEGBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan frame]bool
	current *frame
	closed  bool
	logger  zerolog.Logger
}

// NewMJPEGBroadcaster creates a broadcaster with no viewers
func NewMJPEGBroadcaster() *MJPEGBroadcaster {
	return &MJPEGBroadcaster{
		clients: make(map[chan frame]bool),
		logger:  log.With().Str("component", "mjpeg").Logger(),
	}
}

// OnQueueResult implements pipeline.QueueResultHandler
func (b *MJPEGBroadcaster) OnQueueResult(result *pipeline.QueueResult) {
	if result == nil || len(result.ImageData) == 0 {
		return
	}
	f := frame{data: result.ImageData, contentType: contentType(result.ImageFormat)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = &f
	for ch := range b.clients {
		select {
		case ch <- f:
		default:
			// Viewer is behind, drop this frame for it
		}
	}
}

// ClientCount returns the number of connected viewers
func (b *MJPEGBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects all viewers
func (b *MJPEGBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}

// ServeHTTP streams frames until the viewer disconnects. The latest frame is sent first.
func (b *MJPEGBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan frame, 5)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "Stream closed", http.StatusServiceUnavailable)
		return
	}
	b.clients[clientCh] = true
	if b.current != nil {
		clientCh <- *b.current
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if _, ok := b.clients[clientCh]; ok {
			delete(b.clients, clientCh)
		}
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.logger.Debug().Str("remote", r.RemoteAddr).Msg("Viewer connected")

	for {
		select {
		case <-r.Context().Done():
			b.logger.Debug().Str("remote", r.RemoteAddr).Msg("Viewer disconnected")
			return
		case f, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, f); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, f frame) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", f.contentType, len(f.data)); err != nil {
		return err
	}
	if _, err := w.Write(f.data); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

func contentType(format string) string {
	if format == "webp" {
		return "image/webp"
	}
	return "image/jpeg"
}

var _ pipeline.QueueResultHandler = (*MJPEGBroadcaster)(nil)
