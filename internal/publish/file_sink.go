package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queueguard/internal/pipeline"
)

const (
	// RecordFile is read by dashboards polling the data directory
	RecordFile = "queues.json"
	// FrameBaseName is the annotated frame, with the extension of its format
	FrameBaseName = "live_frame"
)

// FileSink writes the latest record and annotated frame into a directory.
// Each file is replaced atomically so readers never see a partial write.
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

// NewFileSink creates the data directory if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileSink{
		dir:    dir,
		logger: log.With().Str("component", "file_sink").Str("dir", dir).Logger(),
	}, nil
}

// OnQueueResult implements pipeline.QueueResultHandler
func (s *FileSink) OnQueueResult(result *pipeline.QueueResult) {
	if err := s.Write(result); err != nil {
		s.logger.Warn().Err(err).Uint64("seq", result.FrameSeq).Msg("Failed to publish result")
	}
}

// Write stores the frame first, then the record, so a record never points at an older frame
func (s *FileSink) Write(result *pipeline.QueueResult) error {
	if len(result.ImageData) > 0 {
		name := FrameFileName(result.ImageFormat)
		if err := WriteFileAtomic(filepath.Join(s.dir, name), result.ImageData); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}

	data, err := json.MarshalIndent(result.Record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, RecordFile), data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// FrameFileName returns the file name used for an image format
func FrameFileName(format string) string {
	if format == "webp" {
		return FrameBaseName + ".webp"
	}
	return FrameBaseName + ".jpg"
}

// WriteFileAtomic writes to a temp file in the same directory and renames it over path
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

var _ pipeline.QueueResultHandler = (*FileSink)(nil)
