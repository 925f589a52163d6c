package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/internal/tracing"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/dedup"
)

const (
	DefaultMaxConcurrent = 4
	maxChainDepth        = 5
	downstreamOutputMax  = 4000
)

// ErrAlreadyRunning is returned when the dedup key is held by another run.
var ErrAlreadyRunning = errors.New("agent is already running")

// Runner executes agent runs. *agent.Runner satisfies it.
type Runner interface {
	Execute(ctx context.Context, agentID, message string, trigger agent.Trigger, opts agent.ExecuteOptions) *agent.AgentRun
}

// Deliverer routes a finished run's output.
type Deliverer interface {
	Deliver(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun) error
}

// Config configures a Dispatcher.
type Config struct {
	Runner        Runner
	Configs       agent.ConfigSource
	Lock          *dedup.Lock
	Deliverer     Deliverer // optional
	MaxConcurrent int
	Logger        zerolog.Logger
}

// Request describes one top-level run.
type Request struct {
	// Key is the dedup key; empty means AgentID.
	Key     string
	AgentID string
	Message string
	Trigger agent.Trigger
	Options agent.ExecuteOptions

	// Gate, when set, runs after the dedup key is acquired and before the
	// run starts. A non-nil error aborts the request and is returned as is.
	Gate func(ctx context.Context) error

	// SkipDownstream suppresses downstream chains for this run.
	SkipDownstream bool

	chainDepth int
}

// Dispatcher gates, executes and delivers top-level runs.
type Dispatcher struct {
	runner    Runner
	configs   agent.ConfigSource
	lock      *dedup.Lock
	deliverer Deliverer
	sem       *semaphore.Weighted
	logger    zerolog.Logger

	wg sync.WaitGroup // downstream goroutines
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Configs == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("dedup lock is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	observability.EnsureRegistered()

	return &Dispatcher{
		runner:    cfg.Runner,
		configs:   cfg.Configs,
		lock:      cfg.Lock,
		deliverer: cfg.Deliverer,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    cfg.Logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Dispatch runs req under its dedup key and blocks until the run finishes.
// It returns ErrAlreadyRunning without executing when the key is taken, and
// the context error when no execution slot frees up in time. Otherwise the
// run is returned whatever its status. Output is delivered while the key is
// still held. Downstream agents start after the key is released.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*agent.AgentRun, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	key := req.Key
	if key == "" {
		key = req.AgentID
	}

	run, cfg, err := d.execute(ctx, key, req)
	if err != nil {
		return nil, err
	}

	if cfg != nil && run.Succeeded() && !req.SkipDownstream {
		d.fireDownstream(ctx, *cfg, run, req.chainDepth)
	}
	return run, nil
}

// execute runs and delivers req under its dedup key. The returned config is
// nil when the agent has none.
func (d *Dispatcher) execute(ctx context.Context, key string, req Request) (*agent.AgentRun, *agent.AgentConfig, error) {
	if !d.lock.TryAcquire(key) {
		d.logger.Debug().Str("key", key).Str("trigger", string(req.Trigger.Kind)).Msg("Skipping run, key already held")
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	defer d.lock.Release(key)

	if req.Gate != nil {
		if err := req.Gate(ctx); err != nil {
			return nil, nil, err
		}
	}

	run, err := d.run(ctx, key, req)
	if err != nil {
		return nil, nil, err
	}

	cfg, ok := d.resolve(req)
	if !ok {
		return run, nil, nil
	}
	d.deliver(ctx, cfg, run)
	return run, &cfg, nil
}

// run executes req once an execution slot is free.
func (d *Dispatcher) run(ctx context.Context, key string, req Request) (*agent.AgentRun, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for an execution slot: %w", err)
	}
	defer d.sem.Release(1)

	ctx, span := tracing.StartSpan(ctx, "robothor.dispatch", "dispatch.run",
		attribute.String("agent_id", req.AgentID),
		attribute.String("key", key),
		attribute.String("trigger", string(req.Trigger.Kind)),
	)
	defer span.End()

	run := d.runner.Execute(ctx, req.AgentID, req.Message, req.Trigger, req.Options)
	if run == nil {
		return nil, fmt.Errorf("runner returned no run for %s", req.AgentID)
	}
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.String("status", string(run.Status)))
	return run, nil
}

// Wait blocks until every downstream run started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) resolve(req Request) (agent.AgentConfig, bool) {
	if req.Options.Config != nil {
		return *req.Options.Config, true
	}
	return d.configs.Get(req.AgentID)
}

func (d *Dispatcher) deliver(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun) {
	if d.deliverer == nil || run.DeliveryMode == agent.DeliverySilent {
		return
	}
	if err := d.deliverer.Deliver(ctx, cfg, run); err != nil {
		d.logger.Warn().Err(err).
			Str("run_id", run.ID).
			Str("agent_id", run.AgentID).
			Msg("Delivery failed")
	}
}

// fireDownstream starts each downstream agent in the background with the
// upstream output as its message.
func (d *Dispatcher) fireDownstream(ctx context.Context, cfg agent.AgentConfig, run *agent.AgentRun, depth int) {
	if len(cfg.Downstream) == 0 {
		return
	}
	if depth >= maxChainDepth {
		d.logger.Warn().Str("agent_id", run.AgentID).Int("depth", depth).Msg("Downstream chain too deep, not continuing")
		return
	}

	message := fmt.Sprintf("[Triggered by %s at %s]\n\n%s",
		run.AgentID, time.Now().UTC().Format(time.RFC3339), clip(run.Output, downstreamOutputMax))
	bg := context.WithoutCancel(ctx)

	for _, id := range cfg.Downstream {
		if id == "" || id == run.AgentID {
			continue
		}
		next := Request{
			AgentID: id,
			Message: message,
			Trigger: agent.Trigger{
				Kind:          agent.TriggerWorkflow,
				Detail:        run.AgentID,
				CorrelationID: run.Trigger.CorrelationID,
			},
			chainDepth: depth + 1,
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.Dispatch(bg, next); err != nil {
				d.logger.Info().Err(err).
					Str("upstream", run.AgentID).
					Str("agent_id", next.AgentID).
					Msg("Downstream agent not started")
			}
		}()
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n...[truncated]"
}
