package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FFmpegSourceConfig describes where frames come from
type FFmpegSourceConfig struct {
	URI        string // File path, rtsp://, http(s):// stream or snapshot URL, or /dev/video*
	FPS        int    // Output frame rate; 0 keeps the native rate
	Width      int    // Capture size for V4L2 devices
	Height     int
	Realtime   bool   // Read files at native speed instead of as fast as possible
	FFmpegPath string // Defaults to "ffmpeg" on PATH
}

// FFmpegFrameSource decodes a video into JPEG frames through an ffmpeg
// image2pipe subprocess. Files are looped by restarting the process on Rewind.
type FFmpegFrameSource struct {
	config FFmpegSourceConfig
	client *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	parent context.Context
	cur    *capture
	seq    atomic.Uint64
}

// capture is one run of the subprocess (or snapshot poller)
type capture struct {
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	cmd    *exec.Cmd

	decoded atomic.Int64 // frames handed out by Next
	lastErr atomic.Value // last line ffmpeg wrote to stderr
}

// exitReason describes why a capture ended before its first frame
func (c *capture) exitReason() error {
	if line, _ := c.lastErr.Load().(string); line != "" {
		return fmt.Errorf("%w: ffmpeg: %s", ErrNoFrames, line)
	}
	return ErrNoFrames
}

// NewFFmpegFrameSource creates a frame source; nothing starts until Open
func NewFFmpegFrameSource(config FFmpegSourceConfig) *FFmpegFrameSource {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &FFmpegFrameSource{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.With().Str("component", "ffmpeg_source").Str("uri", config.URI).Logger(),
	}
}

// Open starts decoding; a missing local file fails immediately
func (s *FFmpegFrameSource) Open(ctx context.Context) error {
	if s.config.URI == "" {
		return fmt.Errorf("no video source configured")
	}
	if s.isLocalFile() {
		if _, err := os.Stat(s.config.URI); err != nil {
			return fmt.Errorf("cannot open video: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.parent = ctx
	return s.startLocked()
}

// Next blocks until the next frame is available. A capture that ends after
// delivering frames returns io.EOF; one that ends before its first decodable
// frame returns ErrNoFrames so a broken input is not rewound forever.
func (s *FFmpegFrameSource) Next(ctx context.Context) (*FrameData, error) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	if cur == nil {
		return nil, ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-cur.frames:
		if !ok {
			if cur.decoded.Load() == 0 {
				return nil, cur.exitReason()
			}
			return nil, io.EOF
		}
		seq := s.seq.Add(1)
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w: %v", seq, ErrFrameDecode, err)
		}
		cur.decoded.Add(1)
		return &FrameData{
			SourceID:  s.config.URI,
			Data:      data,
			Seq:       seq,
			Timestamp: time.Now(),
			Width:     cfg.Width,
			Height:    cfg.Height,
		}, nil
	}
}

// Rewind restarts decoding from the first frame (or reconnects a stream)
func (s *FFmpegFrameSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.parent == nil {
		return ErrNotRunning
	}
	return s.startLocked()
}

// Close stops the subprocess
func (s *FFmpegFrameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	return nil
}

func (s *FFmpegFrameSource) startLocked() error {
	ctx, cancel := context.WithCancel(s.parent)
	c := &capture{
		cancel: cancel,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}

	if s.isSnapshotEndpoint() {
		go s.pollSnapshots(ctx, c)
		s.cur = c
		return nil
	}

	c.cmd = exec.CommandContext(ctx, s.config.FFmpegPath, s.buildArgs()...)

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				c.lastErr.Store(line)
			}
			s.logger.Trace().Str("ffmpeg", line).Send()
		}
	}()

	go s.readFrames(ctx, c, stdout, stderrDone)

	s.cur = c
	s.logger.Debug().Strs("args", c.cmd.Args).Msg("Started ffmpeg")
	return nil
}

func (s *FFmpegFrameSource) stopLocked() {
	if s.cur == nil {
		return
	}
	s.cur.cancel()
	<-s.cur.done
	if s.cur.cmd != nil {
		_ = s.cur.cmd.Wait()
	}
	s.cur = nil
}

// readFrames splits the mjpeg pipe into frames; frames closes at end of stream,
// once stderr has been drained
func (s *FFmpegFrameSource) readFrames(ctx context.Context, c *capture, stdout io.Reader, stderrDone <-chan struct{}) {
	defer close(c.done)
	defer close(c.frames)

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				select {
				case c.frames <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Error reading frames")
			}
			select {
			case <-stderrDone:
			case <-ctx.Done():
			}
			return
		}
	}
}

// pollSnapshots fetches a still image URL at the configured rate; it never ends on its own
func (s *FFmpegFrameSource) pollSnapshots(ctx context.Context, c *capture) {
	defer close(c.done)
	defer close(c.frames)

	fps := s.config.FPS
	if fps <= 0 {
		fps = 2
	}
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, err := s.fetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("Error fetching snapshot")
		} else {
			select {
			case c.frames <- frame:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *FFmpegFrameSource) fetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *FFmpegFrameSource) isLocalFile() bool {
	uri := s.config.URI
	return !strings.Contains(uri, "://") && !strings.HasPrefix(uri, "/dev/video")
}

func (s *FFmpegFrameSource) isSnapshotEndpoint() bool {
	uri := s.config.URI
	return (strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")) &&
		(strings.Contains(uri, ".jpg") || strings.Contains(uri, ".jpeg") || strings.Contains(uri, "snapshot"))
}

func (s *FFmpegFrameSource) buildArgs() []string {
	uri := s.config.URI
	var args []string

	switch {
	case strings.HasPrefix(uri, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", uri}
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		args = []string{"-i", uri}
	case strings.HasPrefix(uri, "/dev/video"):
		args = []string{"-f", "v4l2"}
		if s.config.Width > 0 && s.config.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.config.Width, s.config.Height))
		}
		if s.config.FPS > 0 {
			args = append(args, "-framerate", fmt.Sprintf("%d", s.config.FPS))
		}
		args = append(args, "-i", uri)
	default:
		if s.config.Realtime {
			args = append(args, "-re")
		}
		args = append(args, "-i", uri)
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if s.config.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", s.config.FPS))
	}
	return append(args, "-q:v", "5", "-loglevel", "error", "-")
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	rel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if rel == -1 {
		// Drop garbage before the start marker
		*buffer = (*buffer)[startIdx:]
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

var _ FrameSource = (*FFmpegFrameSource)(nil)
