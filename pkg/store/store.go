package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists runs, steps, schedules and checkpoints in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Config holds store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
	Now    func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; concurrent runs queue on the pool instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
		now:    now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("Tracking store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			trigger_detail TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			model_used TEXT NOT NULL DEFAULT '',
			models_attempted TEXT NOT NULL DEFAULT '[]',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			child_tokens INTEGER NOT NULL DEFAULT 0,
			child_cost_usd REAL NOT NULL DEFAULT 0,
			token_budget INTEGER NOT NULL DEFAULT 0,
			cost_budget_usd REAL NOT NULL DEFAULT 0,
			budget_exhausted INTEGER NOT NULL DEFAULT 0,
			parent_run_id TEXT NOT NULL DEFAULT '',
			nesting_depth INTEGER NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_trace TEXT NOT NULL DEFAULT '',
			delivery_mode TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_agent ON agent_runs(agent_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON agent_runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_parent ON agent_runs(parent_run_id);

		CREATE TABLE IF NOT EXISTS agent_run_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			tool_name TEXT NOT NULL DEFAULT '',
			tool_input TEXT NOT NULL DEFAULT '',
			tool_output TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_steps_run ON agent_run_steps(run_id, step_index);

		CREATE TABLE IF NOT EXISTS agent_schedules (
			job_key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at INTEGER,
			last_run_at INTEGER,
			last_run_id TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL DEFAULT '',
			last_duration_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			circuit_alerted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_checkpoints (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
