package orchestrator

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
	DefaultMaxConcurrent = 5
	maxChildOutput       = 8000
)

// ErrDepthExceeded is returned (as a structured result) when a run at the
// nesting cap tries to spawn.
var ErrDepthExceeded = errors.New("nesting depth exceeded")

// AgentRunner executes one agent run. *agent.Runner satisfies it.
type AgentRunner interface {
	Execute(ctx context.Context, agentID, message string, trigger agent.Trigger, opts agent.ExecuteOptions) *agent.AgentRun
}

// Config configures a Spawner.
type Config struct {
	Runner        AgentRunner
	Configs       agent.ConfigSource
	Lock          *dedup.Lock
	MaxConcurrent int // concurrent children per nesting depth
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Spawner starts child runs on behalf of parent runs.
type Spawner struct {
	runner    AgentRunner
	configs   agent.ConfigSource
	lock      *dedup.Lock
	slots     int64
	semMu     sync.Mutex
	sems      map[int]*semaphore.Weighted
	instances *instances
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSpawner creates a Spawner.
func NewSpawner(cfg Config) (*Spawner, error) {
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	observability.EnsureRegistered()

	return &Spawner{
		runner:    cfg.Runner,
		configs:   cfg.Configs,
		lock:      cfg.Lock,
		slots:     int64(cfg.MaxConcurrent),
		sems:      make(map[int]*semaphore.Weighted),
		instances: newInstances(),
		logger:    cfg.Logger.With().Str("component", "spawner").Logger(),
		now:       cfg.Now,
	}, nil
}

// depthSem returns the slot pool for children at depth. A child holding a
// slot at depth d only ever waits on depth d+1, so nested spawns cannot
// starve on the slot their own ancestor holds.
func (s *Spawner) depthSem(depth int) *semaphore.Weighted {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	sem, ok := s.sems[depth]
	if !ok {
		sem = semaphore.NewWeighted(s.slots)
		s.sems[depth] = sem
	}
	return sem
}

// Active returns the children currently running, oldest first.
func (s *Spawner) Active() []Instance {
	return s.instances.list()
}

// Spawn runs one child to completion and returns its summary. Failures are
// reported in the result, never as a Go error.
func (s *Spawner) Spawn(ctx context.Context, sc *agent.SpawnContext, req agent.SpawnRequest) agent.SpawnResult {
	start := s.now()
	parent := ""
	if sc != nil {
		parent = sc.ParentAgentID
	}

	ctx, span := tracing.StartSpan(ctx, "robothor.orchestrator", "orchestrator.spawn",
		attribute.String("agent_id", req.AgentID),
		attribute.String("parent_agent_id", parent),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("child_agent_id", req.AgentID).
		Logger()

	reject := func(code, msg string) agent.SpawnResult {
		logger.Warn().Str("error_code", code).Msg(msg)
		observability.RecordSpawn(parent, code)
		span.SetAttributes(attribute.String("error_code", code))
		return agent.SpawnResult{
			AgentID:    req.AgentID,
			Status:     agent.StatusFailed,
			Error:      msg,
			ErrorCode:  code,
			DurationMs: s.now().Sub(start).Milliseconds(),
		}
	}

	if sc == nil {
		return reject(agent.SpawnErrUnavailable, "spawning is not available outside a run")
	}
	if req.AgentID == "" || req.Message == "" {
		return reject(agent.SpawnErrInvalid, "agent_id and message are required")
	}
	if sc.NestingDepth >= sc.MaxNestingDepth {
		return reject(agent.SpawnErrDepthExceeded,
			fmt.Sprintf("%v: depth %d reached the cap of %d", ErrDepthExceeded, sc.NestingDepth, sc.MaxNestingDepth))
	}
	if _, ok := s.configs.Get(req.AgentID); !ok {
		return reject(agent.SpawnErrNotFound, fmt.Sprintf("agent not found: %s", req.AgentID))
	}

	key := dedup.ChildKey(req.AgentID)
	if !s.lock.TryAcquire(key) {
		return reject(agent.SpawnErrAlreadyRunning, fmt.Sprintf("agent %s is already running as a sub-agent", req.AgentID))
	}
	defer s.lock.Release(key)

	sem := s.depthSem(sc.NestingDepth + 1)
	if err := sem.Acquire(ctx, 1); err != nil {
		return reject(agent.SpawnErrUnavailable, fmt.Sprintf("waiting for a spawn slot: %v", err))
	}
	defer sem.Release(1)

	inst := &Instance{
		Key:           key,
		AgentID:       req.AgentID,
		ParentRunID:   sc.ParentRunID,
		ParentAgentID: sc.ParentAgentID,
		Depth:         sc.NestingDepth + 1,
		Status:        InstanceRunning,
		StartedAt:     start,
	}
	s.instances.add(inst)
	defer s.instances.remove(key)

	logger.Info().
		Int("depth", inst.Depth).
		Str("parent_run_id", sc.ParentRunID).
		Msg("Spawning sub-agent")

	trigger := agent.Trigger{
		Kind:          agent.TriggerSpawn,
		Detail:        sc.ParentAgentID,
		CorrelationID: sc.CorrelationID,
	}
	run := s.runner.Execute(ctx, req.AgentID, req.Message, trigger, agent.ExecuteOptions{Spawn: sc})
	if run == nil {
		return reject(agent.SpawnErrUnavailable, "runner returned no run")
	}

	tokens := run.TotalTokens() + run.ChildTokens
	cost := run.TotalCostUSD + run.ChildCostUSD
	if sc.Ledger != nil {
		sc.Ledger.Charge(tokens, cost)
	}

	res := agent.SpawnResult{
		AgentID:    req.AgentID,
		RunID:      run.ID,
		Status:     run.Status,
		Output:     clip(run.Output, maxChildOutput),
		Error:      run.Error,
		Tokens:     tokens,
		CostUSD:    cost,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}

	outcome := string(statusOf(run))
	observability.RecordSpawn(parent, outcome)
	span.SetAttributes(
		attribute.String("child_run_id", run.ID),
		attribute.String("status", string(run.Status)),
		attribute.Int("tokens", tokens),
	)
	logger.Info().
		Str("child_run_id", run.ID).
		Str("status", string(run.Status)).
		Int("tokens", tokens).
		Int64("duration_ms", res.DurationMs).
		Msg("Sub-agent finished")

	return res
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...[truncated]"
}

var _ agent.Spawner = (*Spawner)(nil)
