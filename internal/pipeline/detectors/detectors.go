// Package detectors adapts external person-detection services to pipeline.Detector.
package detectors

import (
	"fmt"
	"time"

	"queueguard/internal/pipeline"
)

// Config selects and configures a detection backend
type Config struct {
	Kind     string        // "http" or "grpc"
	Endpoint string        // Base URL (http) or host:port (grpc)
	Timeout  time.Duration // Per-request timeout
}

// New builds the detector described by config
func New(config Config) (pipeline.Detector, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("detector endpoint is required")
	}

	switch config.Kind {
	case "", "http":
		return NewHTTPDetector(HTTPConfig{Endpoint: config.Endpoint, Timeout: config.Timeout}), nil
	case "grpc":
		return NewGRPCDetector(GRPCConfig{Endpoint: config.Endpoint, Timeout: config.Timeout}), nil
	default:
		return nil, fmt.Errorf("unknown detector kind: %s", config.Kind)
	}
}
