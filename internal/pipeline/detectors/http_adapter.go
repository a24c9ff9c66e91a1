package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queueguard/internal/pipeline"
)

// HTTPConfig holds configuration for the HTTP detector
type HTTPConfig struct {
	Endpoint string        // Base URL of the YOLO service
	Timeout  time.Duration // Per-request timeout
}

// HTTPDetector talks to a YOLO inference service over HTTP
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// yoloDetection represents a single detection from the service
type yoloDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// yoloResult represents the /detect response
type yoloResult struct {
	Detections      []yoloDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// yoloHealth represents the /health response
type yoloHealth struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPDetector creates a detector for a YOLO HTTP service
func NewHTTPDetector(config HTTPConfig) *HTTPDetector {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second // GPU inference can be slow
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		client:   &http.Client{Timeout: config.Timeout},
		logger:   log.With().Str("component", "http_detector").Logger(),
	}
}

func (d *HTTPDetector) Name() string {
	return "http"
}

// Load succeeds once the service reports its model as loaded
func (d *HTTPDetector) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("detector health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector health check returned status %d", resp.StatusCode)
	}

	var health yoloHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if !health.ModelLoaded {
		return fmt.Errorf("detector model not loaded (status %q)", health.Status)
	}

	d.logger.Info().Str("endpoint", d.endpoint).Str("device", health.Device).Msg("Detector ready")
	return nil
}

func (d *HTTPDetector) Detect(ctx context.Context, frame *pipeline.FrameData, params pipeline.DetectParams) ([]pipeline.Detection, error) {
	body, contentType, err := encodeDetectRequest(frame, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detection failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result yoloResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	return convertDetections(result.Detections), nil
}

func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func convertDetections(in []yoloDetection) []pipeline.Detection {
	detections := make([]pipeline.Detection, 0, len(in))
	for _, det := range in {
		if len(det.BBox) < 4 {
			continue
		}
		detections = append(detections, pipeline.Detection{
			Class:      det.Class,
			Confidence: det.Confidence,
			BBox: pipeline.BBox{
				X1: det.BBox[0],
				Y1: det.BBox[1],
				X2: det.BBox[2],
				Y2: det.BBox[3],
			},
		})
	}
	return detections
}

// encodeDetectRequest builds the multipart form the detection service expects
func encodeDetectRequest(frame *pipeline.FrameData, params pipeline.DetectParams) (*bytes.Buffer, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"conf_threshold", fmt.Sprintf("%.3f", params.Confidence)},
		{"iou_threshold", fmt.Sprintf("%.3f", params.IoU)},
	}
	if len(params.Classes) > 0 {
		fields = append(fields, [2]string{"classes_filter", strings.Join(params.Classes, ",")})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// Ensure HTTPDetector implements Detector
var _ pipeline.Detector = (*HTTPDetector)(nil)
