package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"queueguard/internal/geometry"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// QueueStatRecord is one queue length sample
type QueueStatRecord struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Timestamp   time.Time `json:"timestamp"`
	QueueIndex  int       `json:"queue_index"`
	QueueLength int       `json:"queue_length"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			idx INTEGER PRIMARY KEY,
			polygon TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			queue_index INTEGER NOT NULL,
			queue_length INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_time ON queue_stats(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_queue_time ON queue_stats(queue_index, timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Debug().Str("component", "database").Msg("Database migrations completed")
	return nil
}

// SaveZones replaces the stored zone list
func (d *Database) SaveZones(polygons []geometry.Polygon) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM zones"); err != nil {
		return fmt.Errorf("failed to clear zones: %w", err)
	}

	for i, poly := range polygons {
		data, err := json.Marshal(poly)
		if err != nil {
			return fmt.Errorf("failed to marshal zone %d: %w", i, err)
		}
		if _, err := tx.Exec("INSERT INTO zones (idx, polygon, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)", i, string(data)); err != nil {
			return fmt.Errorf("failed to save zone %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit zones: %w", err)
	}
	return nil
}

// LoadZones returns the stored zone list in order; empty when none are saved
func (d *Database) LoadZones() ([]geometry.Polygon, error) {
	rows, err := d.db.Query("SELECT polygon FROM zones ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	defer rows.Close()

	var polygons []geometry.Polygon
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		var poly geometry.Polygon
		if err := json.Unmarshal([]byte(data), &poly); err != nil {
			return nil, fmt.Errorf("failed to unmarshal zone: %w", err)
		}
		polygons = append(polygons, poly)
	}
	return polygons, rows.Err()
}

// SaveQueueStats stores one sample per queue
func (d *Database) SaveQueueStats(runID string, ts time.Time, counts []int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO queue_stats (run_id, timestamp, queue_index, queue_length)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare queue stats insert: %w", err)
	}
	defer stmt.Close()

	ts = ts.UTC()
	for i, count := range counts {
		if _, err := stmt.Exec(runID, ts, i, count); err != nil {
			return fmt.Errorf("failed to save queue stats: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue stats: %w", err)
	}
	return nil
}

// ListQueueStats returns samples newest first with optional filtering
func (d *Database) ListQueueStats(since *time.Time, limit int) ([]*QueueStatRecord, error) {
	query := `SELECT id, run_id, timestamp, queue_index, queue_length FROM queue_stats WHERE 1=1`
	args := []interface{}{}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC, queue_index ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue stats: %w", err)
	}
	defer rows.Close()

	var stats []*QueueStatRecord
	for rows.Next() {
		var rec QueueStatRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Timestamp, &rec.QueueIndex, &rec.QueueLength); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats = append(stats, &rec)
	}
	return stats, rows.Err()
}

// DeleteOldQueueStats deletes samples older than the specified time
func (d *Database) DeleteOldQueueStats(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM queue_stats WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old queue stats: %w", err)
	}
	return result.RowsAffected()
}
