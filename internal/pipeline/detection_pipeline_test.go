package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queueguard/internal/geometry"
	"queueguard/internal/pipeline"
	"queueguard/internal/pipeline/strategies"
)

const (
	frameWidth  = 640
	frameHeight = 480
)

type fakeSource struct {
	frames  []*pipeline.FrameData
	errs    map[int]error // error returned instead of the frame at that position
	openErr error

	pos     int
	opened  atomic.Bool
	closed  atomic.Bool
	rewinds atomic.Int32
}

func (s *fakeSource) Open(ctx context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened.Store(true)
	return nil
}

func (s *fakeSource) Next(ctx context.Context) (*pipeline.FrameData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	pos := s.pos
	s.pos++
	if err, ok := s.errs[pos]; ok {
		return nil, err
	}
	frame := *s.frames[pos]
	return &frame, nil
}

func (s *fakeSource) Rewind() error {
	s.pos = 0
	s.errs = nil
	s.rewinds.Add(1)
	return nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDetector struct {
	loadErr error
	detect  func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error)
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Load(ctx context.Context) error { return d.loadErr }

func (d *fakeDetector) Detect(ctx context.Context, frame *pipeline.FrameData, params pipeline.DetectParams) ([]pipeline.Detection, error) {
	return d.detect(ctx, frame)
}

func (d *fakeDetector) Close() error { return nil }

func square(x0, y0, size float64) geometry.Polygon {
	return geometry.Polygon{{X: x0, Y: y0}, {X: x0 + size, Y: y0}, {X: x0 + size, Y: y0 + size}, {X: x0, Y: y0 + size}}
}

func testZones() []pipeline.Zone {
	return pipeline.NewZones([]geometry.Polygon{square(0, 0, 100), square(200, 0, 100)})
}

// person returns a box whose bottom-centre lands at (cx, 80)
func person(cx float32) pipeline.Detection {
	return pipeline.Detection{
		Class:      "person",
		Confidence: 0.9,
		BBox:       pipeline.BBox{X1: cx - 20, Y1: 20, X2: cx + 20, Y2: 80},
	}
}

func frames(n int) []*pipeline.FrameData {
	out := make([]*pipeline.FrameData, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = &pipeline.FrameData{
			SourceID:  "test",
			Seq:       uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * 40 * time.Millisecond),
			Width:     frameWidth,
			Height:    frameHeight,
		}
	}
	return out
}

func newPipeline(t *testing.T, src pipeline.FrameSource, det pipeline.Detector, sampleEvery int) *pipeline.DetectionPipeline {
	t.Helper()
	cfg := pipeline.DefaultPipelineConfig()
	cfg.SampleEvery = sampleEvery

	strategy, err := strategies.Create(cfg)
	require.NoError(t, err)

	p, err := pipeline.NewDetectionPipeline(pipeline.PipelineOptions{
		SourceID: "test",
		Source:   src,
		Detector: det,
		Strategy: strategy,
		Zones:    testZones(),
		Config:   cfg,
	})
	require.NoError(t, err)
	return p
}

func start(p *pipeline.DetectionPipeline) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background())
	}()
	return done
}

func collect(t *testing.T, ch <-chan *pipeline.QueueResult, n int) []*pipeline.QueueResult {
	t.Helper()
	var results []*pipeline.QueueResult
	timeout := time.After(5 * time.Second)
	for len(results) < n {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(results), n)
		}
	}
	return results
}

func stopAndWait(t *testing.T, p *pipeline.DetectionPipeline, done <-chan error) {
	t.Helper()
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, pipeline.StateStopped, p.State())
}

func TestDetectionPipeline_PublishesSmoothedCounts(t *testing.T) {
	src := &fakeSource{frames: frames(2)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		if frame.Seq == 1 {
			return []pipeline.Detection{person(50), person(60)}, nil
		}
		return []pipeline.Detection{person(250)}, nil
	}}

	p := newPipeline(t, src, det, 1)
	ch, unsubscribe := p.EventBus().SubscribeChannel(100)
	defer unsubscribe()

	done := start(p)
	results := collect(t, ch, 2)
	stopAndWait(t, p, done)

	first := results[0]
	assert.Equal(t, uint64(1), first.FrameSeq)
	assert.Equal(t, pipeline.CountVector{2, 0}, first.RawCounts)
	assert.Equal(t, pipeline.CountVector{2, 0}, first.Counts)
	assert.Equal(t, 1, first.Window)
	assert.Equal(t, 2, first.Record.BestZone, "record is 1-based")
	assert.Equal(t, 1, first.Record.WorstZone)
	assert.Equal(t, "Queue 2 is fastest with 0 people", first.Record.RecommendationText)

	// mean of [2,0] and [0,1] is [1, 0.5]; half rounds to even
	second := results[1]
	assert.Equal(t, pipeline.CountVector{0, 1}, second.RawCounts)
	assert.Equal(t, pipeline.CountVector{1, 0}, second.Counts)
	assert.Equal(t, 2, second.Window)
	assert.Equal(t, 1, second.Recommendation.BestZone)
	assert.Equal(t, 1, second.Record.TotalPeople)

	assert.True(t, src.closed.Load(), "source closed on stop")
}

func TestDetectionPipeline_SamplesEverySecondFrame(t *testing.T) {
	src := &fakeSource{frames: frames(4)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return nil, nil
	}}

	p := newPipeline(t, src, det, 2)
	ch, unsubscribe := p.EventBus().SubscribeChannel(100)
	defer unsubscribe()

	done := start(p)
	results := collect(t, ch, 2)
	stopAndWait(t, p, done)

	assert.Equal(t, uint64(2), results[0].FrameSeq)
	assert.Equal(t, uint64(4), results[1].FrameSeq)
	for _, r := range results {
		assert.Equal(t, pipeline.CountVector{0, 0}, r.Counts)
		assert.Equal(t, 0, r.Record.TotalPeople)
		assert.Equal(t, 1, r.Record.BestZone)
		assert.Equal(t, 1, r.Record.WorstZone)
	}
}

func TestDetectionPipeline_RewindsAtEndOfVideo(t *testing.T) {
	src := &fakeSource{frames: frames(1)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return []pipeline.Detection{person(50)}, nil
	}}

	p := newPipeline(t, src, det, 1)
	ch, unsubscribe := p.EventBus().SubscribeChannel(100)
	defer unsubscribe()

	done := start(p)
	results := collect(t, ch, 3)
	stopAndWait(t, p, done)

	assert.GreaterOrEqual(t, src.rewinds.Load(), int32(2))
	for _, r := range results {
		assert.Equal(t, uint64(1), r.FrameSeq)
	}
	assert.GreaterOrEqual(t, p.Stats().Rewinds, uint64(2))
}

func TestDetectionPipeline_SkipsTransientErrors(t *testing.T) {
	src := &fakeSource{
		frames: frames(3),
		errs:   map[int]error{0: fmt.Errorf("corrupt jpeg: %w", pipeline.ErrFrameDecode)},
	}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		if frame.Seq == 2 {
			return nil, errors.New("inference timeout")
		}
		return []pipeline.Detection{person(250)}, nil
	}}

	p := newPipeline(t, src, det, 1)
	ch, unsubscribe := p.EventBus().SubscribeChannel(100)
	defer unsubscribe()

	done := start(p)
	results := collect(t, ch, 1)
	stopAndWait(t, p, done)

	assert.Equal(t, uint64(3), results[0].FrameSeq)
	assert.Equal(t, pipeline.CountVector{0, 1}, results[0].Counts)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.FramesSkipped, uint64(1))
	assert.GreaterOrEqual(t, stats.DetectorErrors, uint64(1))
	assert.Equal(t, pipeline.StateStopped, stats.State)
}

func TestDetectionPipeline_SetupFailures(t *testing.T) {
	okDetector := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return nil, nil
	}}

	tests := []struct {
		name     string
		zones    []pipeline.Zone
		source   *fakeSource
		detector *fakeDetector
		check    func(t *testing.T, err error, src *fakeSource)
	}{
		{
			name:     "degenerate zone",
			zones:    pipeline.NewZones([]geometry.Polygon{square(0, 0, 10), {{X: 0, Y: 0}, {X: 5, Y: 5}}}),
			source:   &fakeSource{frames: frames(1)},
			detector: okDetector,
			check: func(t *testing.T, err error, src *fakeSource) {
				var cfgErr *pipeline.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, 1, cfgErr.Zone)
				assert.False(t, src.opened.Load())
			},
		},
		{
			name:     "empty zone list",
			zones:    []pipeline.Zone{},
			source:   &fakeSource{frames: frames(1)},
			detector: okDetector,
			check: func(t *testing.T, err error, src *fakeSource) {
				var cfgErr *pipeline.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
			},
		},
		{
			name:     "source unavailable",
			zones:    testZones(),
			source:   &fakeSource{openErr: errors.New("no such file")},
			detector: okDetector,
			check: func(t *testing.T, err error, src *fakeSource) {
				var resErr *pipeline.ResourceUnavailableError
				require.ErrorAs(t, err, &resErr)
				assert.Equal(t, "source", resErr.Resource)
			},
		},
		{
			name:     "detector fails to load",
			zones:    testZones(),
			source:   &fakeSource{frames: frames(1)},
			detector: &fakeDetector{loadErr: errors.New("model missing")},
			check: func(t *testing.T, err error, src *fakeSource) {
				var resErr *pipeline.ResourceUnavailableError
				require.ErrorAs(t, err, &resErr)
				assert.Equal(t, "detector", resErr.Resource)
				assert.True(t, src.closed.Load(), "source closed on failure")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy, err := strategies.Create(pipeline.DefaultPipelineConfig())
			require.NoError(t, err)

			p, err := pipeline.NewDetectionPipeline(pipeline.PipelineOptions{
				Source:   tt.source,
				Detector: tt.detector,
				Strategy: strategy,
				Zones:    tt.zones,
				Config:   pipeline.DefaultPipelineConfig(),
			})
			require.NoError(t, err)

			ch, unsubscribe := p.EventBus().SubscribeChannel(10)
			defer unsubscribe()

			err = p.Run(context.Background())
			require.Error(t, err)
			tt.check(t, err, tt.source)
			assert.Equal(t, pipeline.StateFailed, p.State())
			assert.Empty(t, ch)
		})
	}
}

func TestDetectionPipeline_StopDuringCycleDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	src := &fakeSource{frames: frames(1)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		once.Do(func() { close(started) })
		<-release
		return []pipeline.Detection{person(50)}, nil
	}}

	p := newPipeline(t, src, det, 1)
	var published atomic.Int32
	p.EventBus().Subscribe(pipeline.QueueResultHandlerFunc(func(*pipeline.QueueResult) {
		published.Add(1)
	}))

	done := start(p)
	<-started
	p.Stop()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	assert.Equal(t, int32(0), published.Load())
	assert.Equal(t, pipeline.StateStopped, p.State())
	assert.Equal(t, uint64(0), p.Stats().ResultsPublished)
}

func TestDetectionPipeline_StopBeforeRun(t *testing.T) {
	src := &fakeSource{frames: frames(1)}
	p := newPipeline(t, src, &fakeDetector{}, 1)

	p.Stop()
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, pipeline.StateStopped, p.State())
	assert.False(t, src.opened.Load())
}

func TestDetectionPipeline_UpdateZonesResetsWindow(t *testing.T) {
	src := &fakeSource{frames: frames(1)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return []pipeline.Detection{person(50), person(250)}, nil
	}}

	p := newPipeline(t, src, det, 1)
	ch, unsubscribe := p.EventBus().SubscribeChannel(100)
	defer unsubscribe()

	var swapped atomic.Bool
	p.EventBus().Subscribe(pipeline.QueueResultHandlerFunc(func(r *pipeline.QueueResult) {
		if swapped.CompareAndSwap(false, true) {
			single := pipeline.NewZones([]geometry.Polygon{square(200, 0, 100)})
			assert.NoError(t, p.UpdateZones(single))
		}
	}))

	done := start(p)
	results := collect(t, ch, 3)
	stopAndWait(t, p, done)

	assert.Equal(t, pipeline.CountVector{1, 1}, results[0].Counts)
	assert.Equal(t, pipeline.CountVector{1}, results[1].Counts)
	assert.Equal(t, 1, results[1].Window)
	assert.Equal(t, 2, results[2].Window)
	assert.Len(t, p.Zones(), 1)
}

func TestDetectionPipeline_UpdateZonesRejectsInvalid(t *testing.T) {
	p := newPipeline(t, &fakeSource{}, &fakeDetector{}, 1)

	err := p.UpdateZones(nil)
	var cfgErr *pipeline.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, p.Zones(), 2)
}

func TestDetectionPipeline_FailsWhenSourceYieldsNothing(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return nil, nil
	}}
	p := newPipeline(t, src, det, 1)

	select {
	case err := <-start(p):
		var resErr *pipeline.ResourceUnavailableError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, "source", resErr.Resource)
		assert.ErrorIs(t, err, pipeline.ErrNoFrames)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline kept rewinding an empty source")
	}

	assert.Equal(t, pipeline.StateFailed, p.State())
	assert.Zero(t, src.rewinds.Load())
}

func TestDetectionPipeline_FailsOnSourceError(t *testing.T) {
	src := &fakeSource{
		frames: frames(2),
		errs:   map[int]error{1: fmt.Errorf("ffmpeg: %w", pipeline.ErrNoFrames)},
	}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		return nil, nil
	}}
	p := newPipeline(t, src, det, 1)

	select {
	case err := <-start(p):
		var resErr *pipeline.ResourceUnavailableError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, "source", resErr.Resource)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not fail")
	}
	assert.Equal(t, pipeline.StateFailed, p.State())
	assert.Equal(t, uint64(1), p.Stats().FramesAcquired)
}

func TestDetectionPipeline_AverageInferenceTime(t *testing.T) {
	src := &fakeSource{frames: frames(4)}
	det := &fakeDetector{detect: func(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
		if frame.Seq%2 == 0 {
			time.Sleep(15 * time.Millisecond)
		}
		return []pipeline.Detection{person(50)}, nil
	}}
	p := newPipeline(t, src, det, 1)

	var (
		mu        sync.Mutex
		published []float32
	)
	unsubscribe := p.EventBus().Subscribe(pipeline.QueueResultHandlerFunc(func(r *pipeline.QueueResult) {
		mu.Lock()
		published = append(published, r.InferenceMs)
		mu.Unlock()
	}))
	defer unsubscribe()

	done := start(p)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) >= 6
	}, 5*time.Second, 5*time.Millisecond)
	stopAndWait(t, p, done)

	mu.Lock()
	defer mu.Unlock()
	var sum float64
	for _, ms := range published {
		sum += float64(ms)
	}
	stats := p.Stats()
	require.Equal(t, uint64(len(published)), stats.ResultsPublished)
	assert.InDelta(t, sum/float64(len(published)), float64(stats.AvgInferenceMs), 0.01)
}
