package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/store"
)

// ErrCircuitOpen means the job was skipped by the circuit breaker.
var ErrCircuitOpen = errors.New("circuit open")

// breakerGate skips the run once the job has failed threshold times in a
// row. The first skip after the breaker opens sends one alert. A state
// store failure lets the run through.
func (s *Scheduler) breakerGate(j *job) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		st, err := s.state.GetSchedule(ctx, j.key)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", j.key).Msg("Circuit state unavailable, running anyway")
			return nil
		}
		if st == nil || st.ConsecutiveErrors < s.threshold {
			observability.SetCircuitOpen(j.key, false)
			return nil
		}

		observability.SetCircuitOpen(j.key, true)
		observability.RecordSchedulerSkip(j.key, "circuit_open")
		s.logger.Warn().
			Str("job", j.key).
			Int("consecutive_errors", st.ConsecutiveErrors).
			Msg("Circuit open, skipping run")

		if !st.CircuitAlerted {
			s.alert(ctx, j, st)
			st.CircuitAlerted = true
			if err := s.state.UpdateScheduleState(ctx, *st); err != nil {
				s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to record circuit alert")
			}
			observability.RecordCircuitAudit(ctx, j.key, st.ConsecutiveErrors)
		}
		return fmt.Errorf("%w: %s failed %d times in a row", ErrCircuitOpen, j.key, st.ConsecutiveErrors)
	}
}

func (s *Scheduler) alert(ctx context.Context, j *job, st *store.Schedule) {
	if s.alerter == nil {
		return
	}
	text := fmt.Sprintf("Circuit breaker opened for %s after %d consecutive failures. Last error: %s. Scheduled runs are paused until the circuit is reset.",
		j.key, st.ConsecutiveErrors, st.LastError)
	if err := s.alerter.Alert(ctx, j.cfg.ID, text); err != nil {
		s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to send circuit alert")
	}
}

// recordOutcome writes the run's result into the job state: success resets
// the error counter and re-arms the alert, anything else increments it.
func (s *Scheduler) recordOutcome(ctx context.Context, j *job, run *agent.AgentRun) {
	ctx = context.WithoutCancel(ctx)

	st, err := s.state.GetSchedule(ctx, j.key)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to load schedule state")
		return
	}
	if st == nil {
		st = &store.Schedule{Key: j.key, AgentID: j.cfg.ID, CronExpr: j.cfg.Cron, Timezone: j.cfg.Timezone, Enabled: true}
		if err := s.state.UpsertSchedule(ctx, *st); err != nil {
			s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to persist schedule")
			return
		}
	}

	started := run.StartedAt
	st.LastRunAt = &started
	st.LastRunID = run.ID
	st.LastStatus = string(run.Status)
	st.LastDurationMs = run.DurationMs
	st.LastError = run.Error
	st.NextRunAt = s.nextRun(j)
	if run.Succeeded() {
		st.ConsecutiveErrors = 0
		st.CircuitAlerted = false
		observability.SetCircuitOpen(j.key, false)
	} else {
		st.ConsecutiveErrors++
	}

	if err := s.state.UpdateScheduleState(ctx, *st); err != nil {
		s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to update schedule state")
	}

	s.logger.Info().
		Str("job", j.key).
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int64("duration_ms", run.DurationMs).
		Int("consecutive_errors", st.ConsecutiveErrors).
		Msg("Scheduled run finished")
}
