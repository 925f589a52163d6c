// Package cron runs agents on their cron schedules. Each agent gets one job,
// plus a second job when it declares a heartbeat. Jobs never overlap with
// themselves, late fires past the misfire grace are dropped, and an agent
// whose runs keep failing is skipped by a circuit breaker until an operator
// resets it.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/dedup"
	"github.com/ironsail-llc/robothor/pkg/dispatch"
	"github.com/ironsail-llc/robothor/pkg/store"
)

const (
	DefaultBreakerThreshold = 5
	DefaultMisfireGrace     = 60 * time.Second

	defaultCronMessage      = "Run your scheduled task."
	defaultHeartbeatMessage = "Run your heartbeat check."
)

// Dispatcher starts runs. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*agent.AgentRun, error)
}

// StateStore persists per-job state. *store.Store satisfies it.
type StateStore interface {
	GetSchedule(ctx context.Context, key string) (*store.Schedule, error)
	UpsertSchedule(ctx context.Context, sched store.Schedule) error
	UpdateScheduleState(ctx context.Context, sched store.Schedule) error
	ResetCircuit(ctx context.Context, key string) error
}

// Alerter notifies operators. *delivery.Router satisfies it.
type Alerter interface {
	Alert(ctx context.Context, agentID, text string) error
}

// Config configures a Scheduler.
type Config struct {
	Dispatcher       Dispatcher
	State            StateStore
	Alerter          Alerter // optional
	BreakerThreshold int
	MisfireGrace     time.Duration
	Logger           zerolog.Logger
	Now              func() time.Time
}

// JobInfo describes a registered job.
type JobInfo struct {
	Key       string
	AgentID   string
	Heartbeat bool
	CronExpr  string
	Timezone  string
	NextRunAt time.Time
}

type job struct {
	key       string
	heartbeat bool
	cfg       agent.AgentConfig // effective config; heartbeat override applied
	entryID   cron.EntryID
}

// Scheduler owns the cron jobs of every agent.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	state      StateStore
	alerter    Alerter
	threshold  int
	grace      time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Jobs are added with Load and fire after Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: cfg.Dispatcher,
		state:      cfg.State,
		alerter:    cfg.Alerter,
		threshold:  cfg.BreakerThreshold,
		grace:      cfg.MisfireGrace,
		logger:     logger,
		now:        cfg.Now,
		jobs:       make(map[string]*job),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Load replaces every registered job with the jobs declared by cfgs and
// records their definitions in the state store. Agents without a cron
// expression only get their heartbeat job, if any. Invalid expressions are
// reported together; the valid ones are still registered.
func (s *Scheduler) Load(ctx context.Context, cfgs []agent.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, j := range s.jobs {
		s.cron.Remove(j.entryID)
		delete(s.jobs, key)
	}

	var errs []error
	for _, cfg := range cfgs {
		if cfg.Cron != "" {
			if err := s.addLocked(ctx, &job{key: cfg.ID, cfg: cfg}); err != nil {
				errs = append(errs, err)
			}
		}
		if hb, ok := cfg.HeartbeatAgentConfig(); ok {
			if err := s.addLocked(ctx, &job{key: dedup.HeartbeatKey(cfg.ID), heartbeat: true, cfg: hb}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Schedules loaded")
	return errors.Join(errs...)
}

func (s *Scheduler) addLocked(ctx context.Context, j *job) error {
	sched, err := ParseSchedule(j.cfg.Cron, j.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.key, err)
	}

	j.entryID = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[j.key] = j

	next := sched.Next(s.now())
	if err := s.state.UpsertSchedule(ctx, store.Schedule{
		Key:       j.key,
		AgentID:   j.cfg.ID,
		CronExpr:  j.cfg.Cron,
		Timezone:  j.cfg.Timezone,
		Enabled:   true,
		NextRunAt: &next,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job", j.key).Msg("Failed to persist schedule")
	}

	s.logger.Debug().
		Str("job", j.key).
		Str("cron", j.cfg.Cron).
		Str("timezone", j.cfg.Timezone).
		Time("next_run", next).
		Msg("Job scheduled")
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started")
}

// Stop stops firing new jobs, cancels running ones and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled runs: %w", ctx.Err())
	}
}

// Jobs lists the registered jobs ordered by key.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Key:       j.key,
			AgentID:   j.cfg.ID,
			Heartbeat: j.heartbeat,
			CronExpr:  j.cfg.Cron,
			Timezone:  j.cfg.Timezone,
		}
		if e := s.cron.Entry(j.entryID); e.Valid() {
			info.NextRunAt = e.Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// RunNow runs the job for key immediately, bypassing the circuit breaker
// and misfire check. Dedup still applies.
func (s *Scheduler) RunNow(ctx context.Context, key string) (*agent.AgentRun, error) {
	s.mu.RLock()
	j, ok := s.jobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no scheduled job %s", key)
	}
	return s.execute(ctx, j, false)
}

// ResetCircuit closes the breaker for key.
func (s *Scheduler) ResetCircuit(ctx context.Context, key string) error {
	if err := s.state.ResetCircuit(ctx, key); err != nil {
		return err
	}
	observability.SetCircuitOpen(key, false)
	s.logger.Info().Str("job", key).Msg("Circuit reset")
	return nil
}

// fire is the cron callback.
func (s *Scheduler) fire(j *job) {
	scheduled := s.now()
	if e := s.cron.Entry(j.entryID); e.Valid() && !e.Prev.IsZero() {
		scheduled = e.Prev
	}
	s.runScheduled(s.ctx, j, scheduled)
}

func (s *Scheduler) runScheduled(ctx context.Context, j *job, scheduled time.Time) {
	if late := s.now().Sub(scheduled); late > s.grace {
		observability.RecordSchedulerSkip(j.key, "misfire")
		s.logger.Warn().Str("job", j.key).Dur("late", late).Msg("Skipping misfired job")
		return
	}
	if _, err := s.execute(ctx, j, true); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrAlreadyRunning):
			observability.RecordSchedulerSkip(j.key, "already_running")
		case errors.Is(err, ErrCircuitOpen):
			// recorded by the gate
		default:
			s.logger.Error().Err(err).Str("job", j.key).Msg("Scheduled run not started")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job, gated bool) (*agent.AgentRun, error) {
	cfg := j.cfg
	req := dispatch.Request{
		Key:     j.key,
		AgentID: cfg.ID,
		Message: s.message(j),
		Trigger: agent.Trigger{Kind: agent.TriggerCron, Detail: "schedule"},
	}
	if j.heartbeat {
		req.Trigger.Detail = "heartbeat"
		req.Options.Config = &cfg
		req.SkipDownstream = true
	}
	if gated {
		req.Gate = s.breakerGate(j)
	}

	run, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, j, run)
	return run, nil
}

func (s *Scheduler) message(j *job) string {
	body := j.cfg.CronMessage
	if body == "" {
		body = defaultCronMessage
		if j.heartbeat {
			body = defaultHeartbeatMessage
		}
	}
	now := s.now()
	if j.cfg.Timezone != "" {
		if loc, err := time.LoadLocation(j.cfg.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	return fmt.Sprintf("[Scheduled run at %s]\n\n%s", now.Format("Monday 2006-01-02 15:04 MST"), body)
}

func (s *Scheduler) nextRun(j *job) *time.Time {
	if e := s.cron.Entry(j.entryID); e.Valid() && !e.Next.IsZero() {
		return &e.Next
	}
	if next, err := NextRun(j.cfg.Cron, j.cfg.Timezone, s.now()); err == nil {
		return &next
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
