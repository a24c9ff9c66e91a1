package pipeline

import (
	"time"

	"queueguard/internal/geometry"
)

// State is the lifecycle state of a DetectionPipeline
type State string

const (
	// StateIdle - constructed, nothing opened yet
	StateIdle State = "idle"
	// StateModelLoading - source open, detector being loaded
	StateModelLoading State = "model_loading"
	// StateRunning - sampling frames and publishing results
	StateRunning State = "running"
	// StateStopped - stopped by the operator or context cancellation
	StateStopped State = "stopped"
	// StateFailed - setup failed; the run must be restarted with a fixed configuration
	StateFailed State = "failed"
)

// SamplingMode selects which acquired frames are processed
type SamplingMode string

const (
	// SamplingModeEveryNth - process every Kth acquired frame
	SamplingModeEveryNth SamplingMode = "every_nth"
	// SamplingModeInterval - process at most one frame per interval
	SamplingModeInterval SamplingMode = "interval"
)

// FrameData represents a captured video frame
type FrameData struct {
	SourceID  string    // Source identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width
	Height    int       // Frame height
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Area returns the box area, clamped at zero
func (b BBox) Area() float64 {
	return max(0, float64(b.X2-b.X1)*float64(b.Y2-b.Y1))
}

// Detection represents a single object detection result for one frame
type Detection struct {
	Class      string  `json:"class"`      // Detection class (person)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`       // Bounding box
}

// DetectParams are forwarded to the detector on every call
type DetectParams struct {
	Confidence float32  // Minimum confidence
	IoU        float32  // NMS IoU threshold
	Classes    []string // Class filter, e.g. ["person"]
}

// RepresentativePoint is the ground-contact position of a kept detection
type RepresentativePoint struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Box BBox    `json:"box"` // Box the point was derived from
}

// Point converts to a geometry point for zone tests
func (p RepresentativePoint) Point() geometry.Point {
	return geometry.Point{X: p.X, Y: p.Y}
}

// Zone is one operator-drawn queue footprint
type Zone struct {
	Index   int              `json:"index"`
	Polygon geometry.Polygon `json:"polygon"`
}

// CountVector holds one non-negative count per zone, in zone order
type CountVector []int

// Total returns the sum of all counts
func (c CountVector) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}

// Recommendation is derived from a single CountVector
// Zero TotalPeople means "no data" even though the indices are populated
type Recommendation struct {
	BestZone    int    `json:"best_zone"`  // 0-based index of the shortest queue
	WorstZone   int    `json:"worst_zone"` // 0-based index of the longest queue
	TotalPeople int    `json:"total_people"`
	Text        string `json:"text"`
}

// QueueRecord is the structured record consumed by dashboards.
// Field names are a compatibility contract; best/worst are 1-based here.
type QueueRecord struct {
	Timestamp          time.Time   `json:"timestamp"`
	TotalZones         int         `json:"total_queues"`
	Counts             CountVector `json:"queue_counts"`
	TotalPeople        int         `json:"total_people"`
	BestZone           int         `json:"best_queue"`
	WorstZone          int         `json:"worst_queue"`
	RecommendationText string      `json:"recommendation"`
}

// QueueResult is everything produced by one processed frame
type QueueResult struct {
	RunID          string
	SourceID       string
	FrameSeq       uint64
	Timestamp      time.Time
	Zones          []Zone
	Points         []RepresentativePoint
	RawCounts      CountVector
	Counts         CountVector // Smoothed counts, the published values
	Window         int         // Number of samples in the smoothing window
	Recommendation Recommendation
	Record         QueueRecord
	ImageData      []byte // Annotated image
	ImageFormat    string // "jpeg" or "webp"
	FrameWidth     int
	FrameHeight    int
	InferenceMs    float32
}

// NewQueueRecord builds the published record from smoothed counts
func NewQueueRecord(ts time.Time, counts CountVector, rec Recommendation) QueueRecord {
	published := make(CountVector, len(counts))
	copy(published, counts)
	return QueueRecord{
		Timestamp:          ts,
		TotalZones:         len(counts),
		Counts:             published,
		TotalPeople:        rec.TotalPeople,
		BestZone:           rec.BestZone + 1,
		WorstZone:          rec.WorstZone + 1,
		RecommendationText: rec.Text,
	}
}

// PipelineConfig contains the tunables of the counting stages
type PipelineConfig struct {
	MinAreaRatio    float64       // Minimum box area as a fraction of the frame
	SamplingMode    SamplingMode  // Frame sampling strategy
	SampleEvery     int           // K for every_nth sampling
	SampleInterval  time.Duration // Interval for interval sampling
	HistoryCapacity int           // Smoothing window size
	Detect          DetectParams  // Detector invocation parameters
}

// DefaultPipelineConfig returns the defaults used by the kiosk deployment
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MinAreaRatio:    DefaultMinAreaRatio,
		SamplingMode:    SamplingModeEveryNth,
		SampleEvery:     2,
		SampleInterval:  500 * time.Millisecond,
		HistoryCapacity: DefaultHistoryCapacity,
		Detect: DetectParams{
			Confidence: 0.2,
			IoU:        0.5,
			Classes:    []string{"person"},
		},
	}
}

// PipelineStats contains pipeline counters
type PipelineStats struct {
	RunID             string
	State             State
	FramesAcquired    uint64
	FramesSampled     uint64
	FramesSkipped     uint64 // Transient frame errors
	DetectorErrors    uint64
	ResultsPublished  uint64
	Rewinds           uint64
	AvgInferenceMs    float32
	LastPublishedTime int64
}
