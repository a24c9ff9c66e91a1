package database

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queueguard/internal/pipeline"
)

// StatsRecorder samples published results into queue_stats at a fixed interval
type StatsRecorder struct {
	db       *Database
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSave time.Time
	failures uint64
}

// NewStatsRecorder creates a recorder; interval <= 0 records every result
func NewStatsRecorder(db *Database, interval time.Duration) *StatsRecorder {
	return &StatsRecorder{
		db:       db,
		interval: interval,
		logger:   log.With().Str("component", "stats_recorder").Logger(),
	}
}

// OnQueueResult implements pipeline.QueueResultHandler
func (r *StatsRecorder) OnQueueResult(result *pipeline.QueueResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastSave.IsZero() && result.Timestamp.Sub(r.lastSave) < r.interval {
		return
	}

	if err := r.db.SaveQueueStats(result.RunID, result.Timestamp, result.Counts); err != nil {
		r.failures++
		r.logger.Warn().Err(err).Msg("Failed to record queue stats")
		return
	}
	r.lastSave = result.Timestamp
}

// Failures returns the number of failed writes
func (r *StatsRecorder) Failures() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

var _ pipeline.QueueResultHandler = (*StatsRecorder)(nil)
