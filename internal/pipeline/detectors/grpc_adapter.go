package detectors

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"queueguard/internal/pipeline"
)

const (
	// DetectionServiceName is the gRPC service exposed by detection backends
	DetectionServiceName = "queueguard.detection.v1.DetectionService"
	// DetectMethod is the unary detection RPC; request and response are google.protobuf.Struct
	DetectMethod = "/" + DetectionServiceName + "/Detect"
)

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint    string
	Timeout     time.Duration // Per-call deadline
	DialOptions []grpc.DialOption
}

// GRPCDetector calls a detection backend over gRPC.
// Payloads are google.protobuf.Struct so no generated stubs are needed:
//
//	request:  {image: base64 jpeg, width, height, confidence, iou, classes: [..]}
//	response: {detections: [{class, confidence, bbox: [x1, y1, x2, y2]}], inference_ms}
type GRPCDetector struct {
	config GRPCConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewGRPCDetector creates a gRPC detector; the connection is made in Load
func NewGRPCDetector(config GRPCConfig) *GRPCDetector {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &GRPCDetector{
		config: config,
		logger: log.With().Str("component", "grpc_detector").Str("endpoint", config.Endpoint).Logger(),
	}
}

func (d *GRPCDetector) Name() string {
	return "grpc"
}

// Load connects and waits for the backend to report SERVING
func (d *GRPCDetector) Load(ctx context.Context) error {
	// Detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, d.config.DialOptions...)

	conn, err := grpc.NewClient(d.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: DetectionServiceName,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return fmt.Errorf("detection service not serving (status %s)", resp.GetStatus())
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.logger.Info().Msg("Connected to detection service")
	return nil
}

func (d *GRPCDetector) Detect(ctx context.Context, frame *pipeline.FrameData, params pipeline.DetectParams) ([]pipeline.Detection, error) {
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()

	if conn == nil {
		return nil, fmt.Errorf("gRPC detector not loaded")
	}

	classes := make([]any, len(params.Classes))
	for i, c := range params.Classes {
		classes[i] = c
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":      base64.StdEncoding.EncodeToString(frame.Data),
		"width":      frame.Width,
		"height":     frame.Height,
		"confidence": float64(params.Confidence),
		"iou":        float64(params.IoU),
		"classes":    classes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(callCtx, DetectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect RPC failed: %w", err)
	}

	return parseStructDetections(resp)
}

func (d *GRPCDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func parseStructDetections(resp *structpb.Struct) ([]pipeline.Detection, error) {
	list := resp.GetFields()["detections"].GetListValue()
	if list == nil {
		return []pipeline.Detection{}, nil
	}

	detections := make([]pipeline.Detection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}

		bbox := fields["bbox"].GetListValue().GetValues()
		if len(bbox) < 4 {
			return nil, fmt.Errorf("detection %d has %d bbox values", i, len(bbox))
		}

		detections = append(detections, pipeline.Detection{
			Class:      fields["class"].GetStringValue(),
			Confidence: float32(fields["confidence"].GetNumberValue()),
			BBox: pipeline.BBox{
				X1: float32(bbox[0].GetNumberValue()),
				Y1: float32(bbox[1].GetNumberValue()),
				X2: float32(bbox[2].GetNumberValue()),
				Y2: float32(bbox[3].GetNumberValue()),
			},
		})
	}
	return detections, nil
}

// Ensure GRPCDetector implements Detector
var _ pipeline.Detector = (*GRPCDetector)(nil)
