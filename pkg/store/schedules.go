package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule is the persisted state of one scheduler job. Key is the agent id
// for primary jobs and "{agent}:heartbeat" for heartbeat jobs.
type Schedule struct {
	Key               string     `json:"key"`
	AgentID           string     `json:"agent_id"`
	CronExpr          string     `json:"cron_expr"`
	Timezone          string     `json:"timezone,omitempty"`
	Enabled           bool       `json:"enabled"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastRunID         string     `json:"last_run_id,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CircuitAlerted    bool       `json:"circuit_alerted"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

const scheduleColumns = `job_key, agent_id, cron_expr, timezone, enabled, next_run_at, last_run_at,
	last_run_id, last_status, last_duration_ms, last_error, consecutive_errors, circuit_alerted, updated_at`

// GetSchedule returns the schedule for key, or nil when none exists.
func (s *Store) GetSchedule(ctx context.Context, key string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM agent_schedules WHERE job_key = ?`, key)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sched, err
}

// ListSchedules returns every schedule ordered by key.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM agent_schedules ORDER BY job_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpsertSchedule registers a job's definition. Run state (last run, error
// counter, alert flag) of an existing row is preserved.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	if sched.Key == "" {
		return errors.New("schedule key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_schedules (job_key, agent_id, cron_expr, timezone, enabled, next_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET
			agent_id = excluded.agent_id,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		sched.Key, sched.AgentID, sched.CronExpr, sched.Timezone, boolInt(sched.Enabled),
		nullMillis(sched.NextRunAt), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %s: %w", sched.Key, err)
	}
	return nil
}

// UpdateScheduleState writes the run state columns of an existing schedule.
func (s *Store) UpdateScheduleState(ctx context.Context, sched Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_schedules SET
			next_run_at = ?,
			last_run_at = ?,
			last_run_id = ?,
			last_status = ?,
			last_duration_ms = ?,
			last_error = ?,
			consecutive_errors = ?,
			circuit_alerted = ?,
			updated_at = ?
		WHERE job_key = ?`,
		nullMillis(sched.NextRunAt), nullMillis(sched.LastRunAt), sched.LastRunID, sched.LastStatus,
		sched.LastDurationMs, sched.LastError, sched.ConsecutiveErrors, boolInt(sched.CircuitAlerted),
		toMillis(s.now()), sched.Key,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", sched.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", sched.Key)
	}
	return nil
}

// ResetCircuit clears the error counter and alert flag for key.
func (s *Store) ResetCircuit(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_schedules SET consecutive_errors = 0, circuit_alerted = 0, updated_at = ? WHERE job_key = ?`,
		toMillis(s.now()), key)
	if err != nil {
		return fmt.Errorf("failed to reset circuit for %s: %w", key, err)
	}
	return nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched     Schedule
		enabled   int
		alerted   int
		nextRun   sql.NullInt64
		lastRun   sql.NullInt64
		updatedAt int64
	)
	err := row.Scan(&sched.Key, &sched.AgentID, &sched.CronExpr, &sched.Timezone, &enabled, &nextRun, &lastRun,
		&sched.LastRunID, &sched.LastStatus, &sched.LastDurationMs, &sched.LastError, &sched.ConsecutiveErrors,
		&alerted, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.CircuitAlerted = alerted != 0
	sched.NextRunAt = fromNullMillis(nextRun)
	sched.LastRunAt = fromNullMillis(lastRun)
	sched.UpdatedAt = fromMillis(updatedAt)
	return &sched, nil
}
