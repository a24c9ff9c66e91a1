// Package config loads queueguard settings from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"queueguard/internal/auth"
	"queueguard/internal/pipeline"
	"queueguard/internal/pipeline/detectors"
)

// EnvPrefix is prepended to every queueguard environment override
const EnvPrefix = "QUEUEGUARD_"

// Config is the complete service configuration
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Publish  PublishConfig  `yaml:"publish"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Zones    ZonesConfig    `yaml:"zones"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig selects the video input
type SourceConfig struct {
	URI        string `yaml:"uri"` // File, rtsp://, http(s):// or /dev/video*
	FPS        int    `yaml:"fps"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Realtime   bool   `yaml:"realtime"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// DetectorConfig points at the person detection service
type DetectorConfig struct {
	Kind     string        `yaml:"kind"` // http or grpc
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PipelineConfig holds the counting tunables
type PipelineConfig struct {
	MinAreaRatio    float64       `yaml:"min_area_ratio"`
	SamplingMode    string        `yaml:"sampling_mode"`
	SampleEvery     int           `yaml:"sample_every"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	HistoryCapacity int           `yaml:"history_capacity"`
	Confidence      float32       `yaml:"confidence"`
	IoU             float32       `yaml:"iou"`
	Classes         []string      `yaml:"classes"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	WaitPerPerson   time.Duration `yaml:"wait_per_person"`
}

// PublishConfig controls result outputs
type PublishConfig struct {
	DataDir        string        `yaml:"data_dir"`
	ImageFormat    string        `yaml:"image_format"` // jpeg or webp
	Quality        int           `yaml:"quality"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	StatsRetention time.Duration `yaml:"stats_retention"`
	ThumbnailWidth int           `yaml:"thumbnail_width"`
	WSIncludeFrame bool          `yaml:"ws_include_frame"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig locates the sqlite file
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ZonesConfig locates the polygons file
type ZonesConfig struct {
	File string `yaml:"file"`
}

// AuthConfig protects zone editing
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	pc := pipeline.DefaultPipelineConfig()
	return Config{
		Source: SourceConfig{
			URI:        "queue_video.mp4",
			FFmpegPath: "ffmpeg",
			Realtime:   true,
		},
		Detector: DetectorConfig{
			Kind:     "http",
			Endpoint: "http://localhost:8081",
			Timeout:  10 * time.Second,
		},
		Pipeline: PipelineConfig{
			MinAreaRatio:    pc.MinAreaRatio,
			SamplingMode:    string(pc.SamplingMode),
			SampleEvery:     pc.SampleEvery,
			SampleInterval:  pc.SampleInterval,
			HistoryCapacity: pc.HistoryCapacity,
			Confidence:      pc.Detect.Confidence,
			IoU:             pc.Detect.IoU,
			Classes:         pc.Detect.Classes,
			StaleAfter:      10 * time.Second,
			WaitPerPerson:   pipeline.DefaultWaitPerPerson,
		},
		Publish: PublishConfig{
			DataDir:        "data",
			ImageFormat:    "jpeg",
			Quality:        85,
			StatsInterval:  time.Minute,
			StatsRetention: 30 * 24 * time.Hour,
			ThumbnailWidth: 640,
			WSIncludeFrame: true,
		},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "data/queueguard.db"},
		Zones:    ZonesConfig{File: "polygons.json"},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from QUEUEGUARD_* variables and the AUTH_*/JWT_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvPrefix+"SOURCE_URI", &c.Source.URI)
	integer(EnvPrefix+"SOURCE_FPS", &c.Source.FPS)
	str(EnvPrefix+"FFMPEG_PATH", &c.Source.FFmpegPath)
	str(EnvPrefix+"DETECTOR_KIND", &c.Detector.Kind)
	str(EnvPrefix+"DETECTOR_ENDPOINT", &c.Detector.Endpoint)
	duration(EnvPrefix+"DETECTOR_TIMEOUT", &c.Detector.Timeout)
	str(EnvPrefix+"SAMPLING_MODE", &c.Pipeline.SamplingMode)
	integer(EnvPrefix+"SAMPLE_EVERY", &c.Pipeline.SampleEvery)
	duration(EnvPrefix+"SAMPLE_INTERVAL", &c.Pipeline.SampleInterval)
	integer(EnvPrefix+"HISTORY_CAPACITY", &c.Pipeline.HistoryCapacity)
	duration(EnvPrefix+"STALE_AFTER", &c.Pipeline.StaleAfter)
	str(EnvPrefix+"DATA_DIR", &c.Publish.DataDir)
	str(EnvPrefix+"IMAGE_FORMAT", &c.Publish.ImageFormat)
	duration(EnvPrefix+"STATS_INTERVAL", &c.Publish.StatsInterval)
	str(EnvPrefix+"HTTP_ADDR", &c.HTTP.Addr)
	str(EnvPrefix+"DB_PATH", &c.Database.Path)
	str(EnvPrefix+"ZONES_FILE", &c.Zones.File)
	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	boolean(EnvPrefix+"LOG_PRETTY", &c.Log.Pretty)

	boolean("AUTH_ENABLED", &c.Auth.Enabled)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	duration("JWT_EXPIRY", &c.Auth.JWTExpiry)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if c.Source.URI == "" {
		errs = append(errs, errors.New("source.uri is required"))
	}
	switch c.Detector.Kind {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("detector.kind must be http or grpc, got %q", c.Detector.Kind))
	}
	if c.Detector.Endpoint == "" {
		errs = append(errs, errors.New("detector.endpoint is required"))
	}
	if c.Pipeline.MinAreaRatio < 0 || c.Pipeline.MinAreaRatio >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.min_area_ratio must be in [0,1), got %v", c.Pipeline.MinAreaRatio))
	}
	switch pipeline.SamplingMode(c.Pipeline.SamplingMode) {
	case pipeline.SamplingModeEveryNth:
		if c.Pipeline.SampleEvery < 1 {
			errs = append(errs, fmt.Errorf("pipeline.sample_every must be at least 1, got %d", c.Pipeline.SampleEvery))
		}
	case pipeline.SamplingModeInterval:
		if c.Pipeline.SampleInterval <= 0 {
			errs = append(errs, errors.New("pipeline.sample_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("pipeline.sampling_mode must be every_nth or interval, got %q", c.Pipeline.SamplingMode))
	}
	if c.Pipeline.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.history_capacity must be at least 1, got %d", c.Pipeline.HistoryCapacity))
	}
	if c.Pipeline.Confidence < 0 || c.Pipeline.Confidence > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence must be in [0,1], got %v", c.Pipeline.Confidence))
	}
	if c.Pipeline.IoU < 0 || c.Pipeline.IoU > 1 {
		errs = append(errs, fmt.Errorf("pipeline.iou must be in [0,1], got %v", c.Pipeline.IoU))
	}
	switch strings.ToLower(c.Publish.ImageFormat) {
	case "jpeg", "jpg", "webp":
	default:
		errs = append(errs, fmt.Errorf("publish.image_format must be jpeg or webp, got %q", c.Publish.ImageFormat))
	}
	if c.Publish.Quality < 1 || c.Publish.Quality > 100 {
		errs = append(errs, fmt.Errorf("publish.quality must be in [1,100], got %d", c.Publish.Quality))
	}
	if c.Publish.DataDir == "" {
		errs = append(errs, errors.New("publish.data_dir is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required when auth is enabled"))
	}
	return errors.Join(errs...)
}

// PipelineConfig converts to the pipeline's own settings
func (c Config) PipelineConfig() pipeline.PipelineConfig {
	classes := make([]string, len(c.Pipeline.Classes))
	copy(classes, c.Pipeline.Classes)
	return pipeline.PipelineConfig{
		MinAreaRatio:    c.Pipeline.MinAreaRatio,
		SamplingMode:    pipeline.SamplingMode(c.Pipeline.SamplingMode),
		SampleEvery:     c.Pipeline.SampleEvery,
		SampleInterval:  c.Pipeline.SampleInterval,
		HistoryCapacity: c.Pipeline.HistoryCapacity,
		Detect: pipeline.DetectParams{
			Confidence: c.Pipeline.Confidence,
			IoU:        c.Pipeline.IoU,
			Classes:    classes,
		},
	}
}

// FFmpegSourceConfig converts to the ffmpeg source settings
func (c Config) FFmpegSourceConfig() pipeline.FFmpegSourceConfig {
	return pipeline.FFmpegSourceConfig{
		URI:        c.Source.URI,
		FPS:        c.Source.FPS,
		Width:      c.Source.Width,
		Height:     c.Source.Height,
		Realtime:   c.Source.Realtime,
		FFmpegPath: c.Source.FFmpegPath,
	}
}

// DetectorConfig converts to the detector factory settings
func (c Config) DetectorConfig() detectors.Config {
	return detectors.Config{
		Kind:     c.Detector.Kind,
		Endpoint: c.Detector.Endpoint,
		Timeout:  c.Detector.Timeout,
	}
}

// AuthConfig converts to the authenticator settings
func (c Config) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
		JWTSecret: c.Auth.JWTSecret,
		JWTExpiry: c.Auth.JWTExpiry,
	}
}
