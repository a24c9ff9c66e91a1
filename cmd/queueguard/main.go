package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"queueguard/internal/annotate"
	"queueguard/internal/auth"
	"queueguard/internal/config"
	"queueguard/internal/database"
	"queueguard/internal/logger"
	"queueguard/internal/metrics"
	"queueguard/internal/pipeline"
	"queueguard/internal/pipeline/detectors"
	"queueguard/internal/pipeline/strategies"
	"queueguard/internal/publish"
	"queueguard/internal/stream"
	"queueguard/internal/ws"
	"queueguard/internal/zonefile"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to a YAML configuration file")
		sourceF   = flag.String("source", "", "Video file, stream URL or device (overrides config)")
		zonesF    = flag.String("zones", "", "Zone file in polygons.json format (overrides config)")
		detectorF = flag.String("detector", "", "Detector endpoint (overrides config)")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dataDirF  = flag.String("data-dir", "", "Directory for queues.json and the live frame (overrides config)")
		logLevelF = flag.String("log-level", "", "Log level: debug, info, warn, error")
		prettyF   = flag.Bool("pretty", false, "Human readable console logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queueguard: %v\n", err)
		os.Exit(1)
	}
	setIfNotEmpty(&cfg.Source.URI, *sourceF)
	setIfNotEmpty(&cfg.Zones.File, *zonesF)
	setIfNotEmpty(&cfg.Detector.Endpoint, *detectorF)
	setIfNotEmpty(&cfg.HTTP.Addr, *httpAddrF)
	setIfNotEmpty(&cfg.Publish.DataDir, *dataDirF)
	setIfNotEmpty(&cfg.Log.Level, *logLevelF)
	if *prettyF {
		cfg.Log.Pretty = true
	}

	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Database is optional; history and zone persistence need it
	var db *database.Database
	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create database directory")
		}
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database")
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
	}

	zones, err := loadZones(cfg.Zones.File, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load queue zones")
	}

	authenticator, err := auth.NewAuthenticator(cfg.AuthConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure authentication")
	}

	detector, err := detectors.New(cfg.DetectorConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detector")
	}
	defer detector.Close()

	strategy, err := strategies.Create(cfg.PipelineConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sampling strategy")
	}

	renderer := annotate.NewRenderer(annotate.Options{
		Format:    cfg.Publish.ImageFormat,
		Quality:   cfg.Publish.Quality,
		DrawBoxes: true,
	})

	p, err := pipeline.NewDetectionPipeline(pipeline.PipelineOptions{
		SourceID:  cfg.Source.URI,
		Source:    newFrameSource(cfg),
		Detector:  detector,
		Strategy:  strategy,
		Annotator: renderer,
		Zones:     zones,
		Config:    cfg.PipelineConfig(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	// Result subscribers
	store := publish.NewStore()
	fileSink, err := publish.NewFileSink(cfg.Publish.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create file sink")
	}
	hub := ws.NewQueueHub(ws.NewMessageBuilder(ws.MessageOptions{
		WaitPerPerson:  cfg.Pipeline.WaitPerPerson,
		ThumbnailWidth: cfg.Publish.ThumbnailWidth,
		IncludeFrame:   cfg.Publish.WSIncludeFrame,
	}))
	live := stream.NewMJPEGBroadcaster()
	m := metrics.New(p.Stats)
	m.SetClientCounter(func() int { return hub.ClientCount() + live.ClientCount() })

	bus := p.EventBus()
	bus.Subscribe(fileSink)
	bus.Subscribe(store)
	bus.Subscribe(m)
	bus.Subscribe(hub)
	bus.Subscribe(live)
	if db != nil {
		bus.Subscribe(database.NewStatsRecorder(db, cfg.Publish.StatsInterval))
	}

	api := &apiServer{
		pipeline:      p,
		store:         store,
		db:            db,
		authn:         authenticator,
		metrics:       m,
		wsHandler:     ws.NewHandler(hub),
		liveStream:    live,
		staleAfter:    cfg.Pipeline.StaleAfter,
		waitPerPerson: cfg.Pipeline.WaitPerPerson,
		windowSize:    cfg.Pipeline.HistoryCapacity,
		zonesFile:     cfg.Zones.File,
		videoPath:     cfg.Source.URI,
		now:           time.Now,
		logger:        logger.Component("http"),
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 2)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	handleHTTPServer(ctx, cfg.HTTP.Addr, api.handler(), &wg, errc)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			errc <- fmt.Errorf("pipeline: %w", err)
			return
		}
		if ctx.Err() == nil {
			errc <- errors.New("pipeline stopped")
		}
	}()

	if db != nil && cfg.Publish.StatsRetention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneHistory(ctx, db, cfg.Publish.StatsRetention)
		}()
	}

	log.Info().
		Str("source", cfg.Source.URI).
		Str("detector", cfg.Detector.Endpoint).
		Int("zones", len(zones)).
		Str("run_id", p.RunID()).
		Msg("queueguard started")

	log.Info().Msgf("exiting (%v)", <-errc)

	// Streaming viewers hold their requests open; release them before shutdown
	live.Close()
	p.Stop()
	cancel()

	wg.Wait()
	log.Info().Msg("exited")
}

// loadZones prefers the zone file and falls back to zones saved by the API
func loadZones(path string, db *database.Database) ([]pipeline.Zone, error) {
	if path != "" {
		zones, _, err := zonefile.Load(path)
		if err == nil {
			return zones, nil
		}
		if !errors.Is(err, os.ErrNotExist) || db == nil {
			return nil, err
		}
		log.Warn().Str("file", path).Msg("Zone file not found, using saved zones")
	}

	if db == nil {
		return nil, errors.New("no zone file configured")
	}
	polygons, err := db.LoadZones()
	if err != nil {
		return nil, err
	}
	zones := make([]pipeline.Zone, len(polygons))
	for i, poly := range polygons {
		zones[i] = pipeline.Zone{Index: i, Polygon: poly}
	}
	if err := pipeline.ValidateZones(zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// pruneHistory deletes queue stats older than retention once an hour
func pruneHistory(ctx context.Context, db *database.Database, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		deleted, err := db.DeleteOldQueueStats(time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune queue history")
		} else if deleted > 0 {
			log.Debug().Int64("deleted", deleted).Msg("Pruned queue history")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
