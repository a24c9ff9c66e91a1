package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PipelineOptions wires the collaborators of a DetectionPipeline
type PipelineOptions struct {
	SourceID  string
	Source    FrameSource
	Detector  Detector
	Strategy  SamplingStrategy
	Annotator Annotator // Optional; results carry no image when nil
	EventBus  *EventBus
	Zones     []Zone
	Config    PipelineConfig
	Logger    *zerolog.Logger
}

// DetectionPipeline turns a video into a stream of smoothed queue results.
// One goroutine (the caller of Run) acquires, detects and publishes sequentially.
type DetectionPipeline struct {
	runID     string
	sourceID  string
	config    PipelineConfig
	source    FrameSource
	detector  Detector
	strategy  SamplingStrategy
	annotator Annotator
	eventBus  *EventBus
	smoother  *Smoother
	logger    zerolog.Logger

	mu           sync.RWMutex
	state        State
	zones        []Zone
	pendingZones []Zone
	cancel       context.CancelFunc
	stopped      bool
	stats        PipelineStats
	inferenceMs  float64 // summed over published results, for the running mean
}

// NewDetectionPipeline creates an idle pipeline
func NewDetectionPipeline(opts PipelineOptions) (*DetectionPipeline, error) {
	if opts.Source == nil {
		return nil, errors.New("frame source is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if opts.Strategy == nil {
		return nil, errors.New("sampling strategy is required")
	}
	if opts.EventBus == nil {
		opts.EventBus = NewEventBus()
	}

	logger := log.With().Str("component", "pipeline").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	runID := uuid.NewString()
	logger = logger.With().Str("run_id", runID).Str("source", opts.SourceID).Logger()

	return &DetectionPipeline{
		runID:     runID,
		sourceID:  opts.SourceID,
		config:    opts.Config,
		source:    opts.Source,
		detector:  opts.Detector,
		strategy:  opts.Strategy,
		annotator: opts.Annotator,
		eventBus:  opts.EventBus,
		smoother:  NewSmoother(opts.Config.HistoryCapacity),
		logger:    logger,
		state:     StateIdle,
		zones:     cloneZones(opts.Zones),
		stats: PipelineStats{
			RunID: runID,
			State: StateIdle,
		},
	}, nil
}

// RunID returns the identifier of this pipeline instance
func (p *DetectionPipeline) RunID() string {
	return p.runID
}

// EventBus returns the bus results are published on
func (p *DetectionPipeline) EventBus() *EventBus {
	return p.eventBus
}

// State returns the current lifecycle state
func (p *DetectionPipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Stats returns a snapshot of the pipeline counters
func (p *DetectionPipeline) Stats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := p.stats
	stats.State = p.state
	return stats
}

// Zones returns the configured zone list, including a replacement not yet applied
func (p *DetectionPipeline) Zones() []Zone {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pendingZones != nil {
		return cloneZones(p.pendingZones)
	}
	return cloneZones(p.zones)
}

// UpdateZones replaces the zone list. A running pipeline applies it at the
// next cycle boundary and restarts smoothing, since old vectors no longer line up.
func (p *DetectionPipeline) UpdateZones(zones []Zone) error {
	if err := ValidateZones(zones); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle:
		p.zones = cloneZones(zones)
	case StateModelLoading, StateRunning:
		p.pendingZones = cloneZones(zones)
	default:
		return ErrNotRunning
	}
	return nil
}

// Stop requests the pipeline to stop. A cycle already in flight publishes nothing.
func (p *DetectionPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Run drives the pipeline until ctx is cancelled, Stop is called, or setup fails.
// A graceful stop returns nil.
func (p *DetectionPipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started (state %s)", state)
	}
	if p.stopped {
		p.state = StateStopped
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	zones := cloneZones(p.zones)
	p.mu.Unlock()
	defer cancel()

	if err := ValidateZones(zones); err != nil {
		return p.fail(err)
	}

	if err := p.source.Open(ctx); err != nil {
		return p.fail(&ResourceUnavailableError{Resource: "source", Err: err})
	}
	defer func() {
		if err := p.source.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to close frame source")
		}
	}()

	p.setState(StateModelLoading)
	p.logger.Info().Str("detector", p.detector.Name()).Msg("Loading detector")

	if err := p.detector.Load(ctx); err != nil {
		if ctx.Err() != nil {
			p.setState(StateStopped)
			return nil
		}
		return p.fail(&ResourceUnavailableError{Resource: "detector", Err: err})
	}

	p.strategy.Reset()
	p.setState(StateRunning)
	p.logger.Info().
		Int("zones", len(zones)).
		Str("sampling", p.strategy.Name()).
		Int("window", p.smoother.Capacity()).
		Msg("Processing loop started")

	// frames read since the source was opened or last rewound
	sinceRewind := 0

	for {
		if ctx.Err() != nil {
			p.setState(StateStopped)
			p.logger.Info().Msg("Processing loop stopped")
			return nil
		}

		frame, err := p.source.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				continue
			case errors.Is(err, io.EOF):
				if sinceRewind == 0 {
					return p.fail(&ResourceUnavailableError{Resource: "source", Err: ErrNoFrames})
				}
				sinceRewind = 0
				if rerr := p.source.Rewind(); rerr != nil {
					return p.fail(&ResourceUnavailableError{Resource: "source", Err: rerr})
				}
				p.mu.Lock()
				p.stats.Rewinds++
				p.mu.Unlock()
				p.logger.Debug().Msg("End of video, rewinding")
				continue
			case errors.Is(err, ErrFrameDecode):
				p.mu.Lock()
				p.stats.FramesSkipped++
				p.mu.Unlock()
				p.logger.Warn().Err(err).Msg("Skipping unreadable frame")
				continue
			default:
				return p.fail(&ResourceUnavailableError{Resource: "source", Err: err})
			}
		}

		sinceRewind++
		p.mu.Lock()
		p.stats.FramesAcquired++
		p.mu.Unlock()

		zones = p.applyPendingZones(zones)

		if !p.strategy.ShouldSample(frame) {
			continue
		}

		p.processFrame(ctx, frame, zones)
	}
}

// applyPendingZones swaps in a replacement zone list between cycles
func (p *DetectionPipeline) applyPendingZones(current []Zone) []Zone {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pendingZones == nil {
		return current
	}
	p.zones = p.pendingZones
	p.pendingZones = nil
	p.smoother.Reset()
	p.logger.Info().Int("zones", len(p.zones)).Msg("Zone list replaced, smoothing window reset")
	return cloneZones(p.zones)
}

func (p *DetectionPipeline) processFrame(ctx context.Context, frame *FrameData, zones []Zone) {
	p.mu.Lock()
	p.stats.FramesSampled++
	p.mu.Unlock()

	width, height := frame.Width, frame.Height
	var img image.Image
	if p.annotator != nil || width <= 0 || height <= 0 {
		decoded, err := imaging.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			p.mu.Lock()
			p.stats.FramesSkipped++
			p.mu.Unlock()
			p.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Skipping frame that failed to decode")
			return
		}
		img = decoded
		bounds := decoded.Bounds()
		width, height = bounds.Dx(), bounds.Dy()
	}

	start := time.Now()
	detections, err := p.detector.Detect(ctx, frame, p.config.Detect)
	inferenceMs := float32(time.Since(start).Microseconds()) / 1000
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.stats.DetectorErrors++
		p.mu.Unlock()
		p.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Detection failed")
		return
	}

	points := FilterDetections(width, height, detections, p.config.MinAreaRatio)
	raw := AssignZones(zones, points)

	p.mu.Lock()
	counts := p.smoother.Push(raw)
	window := p.smoother.Len()
	p.mu.Unlock()

	rec := Recommend(counts)
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result := &QueueResult{
		RunID:          p.runID,
		SourceID:       p.sourceID,
		FrameSeq:       frame.Seq,
		Timestamp:      ts,
		Zones:          zones,
		Points:         points,
		RawCounts:      raw,
		Counts:         counts,
		Window:         window,
		Recommendation: rec,
		Record:         NewQueueRecord(ts, counts, rec),
		FrameWidth:     width,
		FrameHeight:    height,
		InferenceMs:    inferenceMs,
	}

	if p.annotator != nil {
		data, format, err := p.annotator.Annotate(img, zones, counts, points)
		if err != nil {
			p.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Annotation failed, publishing record only")
		} else {
			result.ImageData = data
			result.ImageFormat = format
		}
	}

	p.logger.Debug().
		Uint64("seq", frame.Seq).
		Int("detections", len(detections)).
		Int("kept", len(points)).
		Ints("raw", raw).
		Ints("smoothed", counts).
		Msg("Frame processed")

	// Stop may have arrived while the frame was in flight
	if ctx.Err() != nil {
		return
	}

	p.eventBus.Publish(result)

	p.mu.Lock()
	p.stats.ResultsPublished++
	p.stats.LastPublishedTime = ts.Unix()
	p.inferenceMs += float64(inferenceMs)
	p.stats.AvgInferenceMs = float32(p.inferenceMs / float64(p.stats.ResultsPublished))
	p.mu.Unlock()
}

func (p *DetectionPipeline) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *DetectionPipeline) fail(err error) error {
	p.setState(StateFailed)
	p.logger.Error().Err(err).Msg("Pipeline failed")
	return err
}

func cloneZones(zones []Zone) []Zone {
	if zones == nil {
		return nil
	}
	out := make([]Zone, len(zones))
	copy(out, zones)
	return out
}
