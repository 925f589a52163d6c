package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/dedup"
	"github.com/ironsail-llc/robothor/pkg/tools"
)

// mockRunner records Execute calls and delegates to execFunc.
type mockRunner struct {
	mu       sync.Mutex
	calls    []mockCall
	execFunc func(ctx context.Context, agentID, message string) *agent.AgentRun
}

type mockCall struct {
	agentID string
	message string
	trigger agent.Trigger
	opts    agent.ExecuteOptions
}

func (m *mockRunner) Execute(ctx context.Context, agentID, message string, trigger agent.Trigger, opts agent.ExecuteOptions) *agent.AgentRun {
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{agentID: agentID, message: message, trigger: trigger, opts: opts})
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(ctx, agentID, message)
	}
	return &agent.AgentRun{ID: "run-" + agentID, AgentID: agentID, Status: agent.StatusCompleted, Output: "done"}
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testConfigs(ids ...string) agent.StaticConfigs {
	cfgs := agent.StaticConfigs{}
	for _, id := range ids {
		cfgs[id] = agent.AgentConfig{ID: id, Instruction: id, Model: agent.ModelConfig{Primary: "claude-sonnet-4"}}
	}
	return cfgs
}

func newTestSpawner(t *testing.T, runner AgentRunner, lock *dedup.Lock, maxConcurrent int) *Spawner {
	t.Helper()
	s, err := NewSpawner(Config{
		Runner:        runner,
		Configs:       testConfigs("worker", "researcher", "writer", "a", "b", "c", "d", "e", "f"),
		Lock:          lock,
		MaxConcurrent: maxConcurrent,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func rootContext(ledger *agent.Ledger) *agent.SpawnContext {
	return &agent.SpawnContext{
		ParentRunID:     "parent-run",
		ParentAgentID:   "main",
		CorrelationID:   "corr-1",
		NestingDepth:    0,
		MaxNestingDepth: 2,
		Ledger:          ledger,
	}
}

func TestNewSpawner(t *testing.T) {
	_, err := NewSpawner(Config{Configs: testConfigs(), Lock: dedup.New()})
	assert.ErrorContains(t, err, "runner is required")

	_, err = NewSpawner(Config{Runner: &mockRunner{}, Lock: dedup.New()})
	assert.ErrorContains(t, err, "config source is required")

	_, err = NewSpawner(Config{Runner: &mockRunner{}, Configs: testConfigs()})
	assert.ErrorContains(t, err, "dedup lock is required")

	s, err := NewSpawner(Config{Runner: &mockRunner{}, Configs: testConfigs(), Lock: dedup.New()})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSpawn_Success(t *testing.T) {
	runner := &mockRunner{
		execFunc: func(ctx context.Context, agentID, message string) *agent.AgentRun {
			return &agent.AgentRun{
				ID:           "child-1",
				AgentID:      agentID,
				Status:       agent.StatusCompleted,
				Output:       "report ready",
				InputTokens:  300,
				OutputTokens: 50,
				TotalCostUSD: 0.01,
				ChildTokens:  150,
				ChildCostUSD: 0.005,
			}
		},
	}
	lock := dedup.New()
	s := newTestSpawner(t, runner, lock, 0)
	ledger := agent.NewLedger(agent.Budget{TokenLimit: 10000})
	sc := rootContext(ledger)

	res := s.Spawn(context.Background(), sc, agent.SpawnRequest{AgentID: "worker", Message: "summarize"})

	assert.False(t, res.Failed())
	assert.Equal(t, "child-1", res.RunID)
	assert.Equal(t, "report ready", res.Output)
	assert.Equal(t, 500, res.Tokens, "own tokens plus descendants")
	assert.InDelta(t, 0.015, res.CostUSD, 1e-9)

	used, cost := ledger.Used()
	assert.Equal(t, 500, used)
	assert.InDelta(t, 0.015, cost, 1e-9)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "worker", call.agentID)
	assert.Equal(t, "summarize", call.message)
	assert.Equal(t, agent.TriggerSpawn, call.trigger.Kind)
	assert.Equal(t, "main", call.trigger.Detail)
	assert.Equal(t, "corr-1", call.trigger.CorrelationID)
	assert.Same(t, sc, call.opts.Spawn)

	assert.False(t, lock.IsRunning(dedup.ChildKey("worker")), "child key is released")
	assert.Empty(t, s.Active())
}

func TestSpawn_DepthExceeded(t *testing.T) {
	runner := &mockRunner{}
	s := newTestSpawner(t, runner, dedup.New(), 0)
	sc := rootContext(nil)
	sc.NestingDepth = 2

	res := s.Spawn(context.Background(), sc, agent.SpawnRequest{AgentID: "worker", Message: "go deeper"})

	assert.True(t, res.Failed())
	assert.Equal(t, agent.SpawnErrDepthExceeded, res.ErrorCode)
	assert.Contains(t, res.Error, ErrDepthExceeded.Error())
	assert.Equal(t, 0, runner.callCount(), "no execution is attempted")
}

func TestSpawn_Rejections(t *testing.T) {
	tests := []struct {
		name string
		sc   *agent.SpawnContext
		req  agent.SpawnRequest
		code string
	}{
		{"no spawn context", nil, agent.SpawnRequest{AgentID: "worker", Message: "x"}, agent.SpawnErrUnavailable},
		{"missing message", rootContext(nil), agent.SpawnRequest{AgentID: "worker"}, agent.SpawnErrInvalid},
		{"unknown agent", rootContext(nil), agent.SpawnRequest{AgentID: "ghost", Message: "x"}, agent.SpawnErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			s := newTestSpawner(t, runner, dedup.New(), 0)

			res := s.Spawn(context.Background(), tt.sc, tt.req)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.Equal(t, agent.StatusFailed, res.Status)
			assert.Equal(t, 0, runner.callCount())
		})
	}
}

func TestSpawn_AlreadyRunningAsChild(t *testing.T) {
	runner := &mockRunner{}
	lock := dedup.New()
	s := newTestSpawner(t, runner, lock, 0)

	require.True(t, lock.TryAcquire(dedup.ChildKey("worker")))
	res := s.Spawn(context.Background(), rootContext(nil), agent.SpawnRequest{AgentID: "worker", Message: "x"})
	assert.Equal(t, agent.SpawnErrAlreadyRunning, res.ErrorCode)
	assert.Equal(t, 0, runner.callCount())
	assert.True(t, lock.IsRunning(dedup.ChildKey("worker")), "a key held by someone else is left alone")

	// the agent's own top-level key does not block it as a child
	lock.Release(dedup.ChildKey("worker"))
	require.True(t, lock.TryAcquire("worker"))
	res = s.Spawn(context.Background(), rootContext(nil), agent.SpawnRequest{AgentID: "worker", Message: "x"})
	assert.False(t, res.Failed())
}

func TestSpawn_FailedChild(t *testing.T) {
	runner := &mockRunner{
		execFunc: func(ctx context.Context, agentID, message string) *agent.AgentRun {
			return &agent.AgentRun{ID: "child", Status: agent.StatusTimeout, Error: "run exceeded timeout of 1s", InputTokens: 40}
		},
	}
	s := newTestSpawner(t, runner, dedup.New(), 0)
	ledger := agent.NewLedger(agent.Budget{})

	res := s.Spawn(context.Background(), rootContext(ledger), agent.SpawnRequest{AgentID: "worker", Message: "x"})
	assert.True(t, res.Failed())
	assert.Equal(t, agent.StatusTimeout, res.Status)
	assert.Empty(t, res.ErrorCode)
	used, _ := ledger.Used()
	assert.Equal(t, 40, used, "usage is charged even when the child fails")
}

func TestSpawn_OutputIsClipped(t *testing.T) {
	runner := &mockRunner{
		execFunc: func(ctx context.Context, agentID, message string) *agent.AgentRun {
			return &agent.AgentRun{ID: "child", Status: agent.StatusCompleted, Output: strings.Repeat("x", maxChildOutput+10)}
		},
	}
	s := newTestSpawner(t, runner, dedup.New(), 0)
	res := s.Spawn(context.Background(), rootContext(nil), agent.SpawnRequest{AgentID: "worker", Message: "x"})
	assert.True(t, strings.HasSuffix(res.Output, "...[truncated]"))
}

func TestSpawn_SemaphoreBoundsConcurrency(t *testing.T) {
	var current, peak int32
	runner := &mockRunner{
		execFunc: func(ctx context.Context, agentID, message string) *agent.AgentRun {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return &agent.AgentRun{ID: "run-" + agentID, Status: agent.StatusCompleted}
		},
	}
	s := newTestSpawner(t, runner, dedup.New(), 2)

	reqs := []agent.SpawnRequest{
		{AgentID: "a", Message: "1"},
		{AgentID: "b", Message: "2"},
		{AgentID: "c", Message: "3"},
		{AgentID: "d", Message: "4"},
	}
	results := s.SpawnMany(context.Background(), rootContext(nil), reqs)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, reqs[i].AgentID, r.AgentID, "results keep request order")
		assert.False(t, r.Failed())
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestSpawn_NestedSpawnWithSingleSlot(t *testing.T) {
	var s *Spawner
	runner := &mockRunner{}
	runner.execFunc = func(ctx context.Context, agentID, message string) *agent.AgentRun {
		if agentID != "a" {
			return &agent.AgentRun{ID: "run-" + agentID, AgentID: agentID, Status: agent.StatusCompleted, Output: "leaf done"}
		}
		child := &agent.SpawnContext{
			ParentRunID:     "run-a",
			ParentAgentID:   "a",
			NestingDepth:    1,
			MaxNestingDepth: 2,
		}
		res := s.Spawn(ctx, child, agent.SpawnRequest{AgentID: "b", Message: "dig"})
		status := agent.StatusCompleted
		if res.Failed() {
			status = agent.StatusFailed
		}
		return &agent.AgentRun{ID: "run-a", AgentID: "a", Status: status, Output: res.Output, Error: res.Error}
	}
	s = newTestSpawner(t, runner, dedup.New(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	res := s.Spawn(ctx, rootContext(nil), agent.SpawnRequest{AgentID: "a", Message: "delegate"})

	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, "leaf done", res.Output)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, runner.callCount())
}

func TestSpawnMany_RejectsPastCap(t *testing.T) {
	runner := &mockRunner{}
	s := newTestSpawner(t, runner, dedup.New(), 0)

	ids := []string{"a", "b", "c", "d", "e", "f"}
	reqs := make([]agent.SpawnRequest, len(ids))
	for i, id := range ids {
		reqs[i] = agent.SpawnRequest{AgentID: id, Message: "go"}
	}

	results := s.SpawnMany(context.Background(), rootContext(nil), reqs)
	require.Len(t, results, 6)
	assert.Equal(t, agent.SpawnErrInvalid, results[5].ErrorCode)
	assert.Equal(t, 5, runner.callCount())
}

// scriptedProvider answers by system prompt so parent and child can share it.
type scriptedProvider struct {
	mu      sync.Mutex
	byAgent map[string]int
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	p.byAgent[req.SystemPrompt]++
	n := p.byAgent[req.SystemPrompt]
	p.mu.Unlock()

	usage := agent.TokenUsage{InputTokens: 10, OutputTokens: 5}
	switch {
	case strings.HasPrefix(req.SystemPrompt, "lead") && n == 1:
		return &agent.LLMResponse{
			ToolCalls: []agent.ToolCall{{
				ID:         "call-1",
				Name:       agent.SpawnAgentTool,
				Parameters: map[string]any{"agent_id": "worker", "message": "collect numbers"},
			}},
			Usage: usage,
		}, nil
	case strings.HasPrefix(req.SystemPrompt, "lead"):
		return &agent.LLMResponse{Content: "all done", Usage: usage}, nil
	default:
		return &agent.LLMResponse{Content: "numbers: 1 2 3", Usage: usage}, nil
	}
}

func TestSpawner_WithRunner(t *testing.T) {
	lead := agent.AgentConfig{
		ID:          "lead",
		Instruction: "lead agent",
		Model:       agent.ModelConfig{Primary: "claude-sonnet-4"},
		Spawn:       agent.SpawnPolicy{CanSpawn: true, MaxNestingDepth: 1},
		Budget:      agent.BudgetConfig{TokenBudget: 5000},
	}
	worker := agent.AgentConfig{
		ID:          "worker",
		Instruction: "worker agent",
		Model:       agent.ModelConfig{Primary: "claude-sonnet-4"},
		Delivery:    agent.DeliveryConfig{Mode: agent.DeliveryAnnounce},
		Spawn:       agent.SpawnPolicy{CanSpawn: true},
	}
	cfgs := agent.StaticConfigs{"lead": lead, "worker": worker}

	runner, err := agent.NewRunner(agent.Config{
		Configs:  cfgs,
		Tools:    tools.New(),
		Provider: &scriptedProvider{byAgent: map[string]int{}},
		TenantID: "test",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	lock := dedup.New()
	s, err := NewSpawner(Config{Runner: runner, Configs: cfgs, Lock: lock, Logger: zerolog.Nop()})
	require.NoError(t, err)
	runner.SetSpawner(s)

	run := runner.Execute(context.Background(), "lead", "gather", agent.Trigger{Kind: agent.TriggerChat}, agent.ExecuteOptions{})

	require.Equal(t, agent.StatusCompleted, run.Status, run.Error)
	assert.Equal(t, "all done", run.Output)
	assert.Equal(t, 1, run.CountSteps(agent.StepSpawnAgent))
	assert.Equal(t, 15, run.ChildTokens)
	for _, step := range run.Steps {
		if step.Type == agent.StepSpawnAgent {
			assert.Contains(t, step.ToolOutput, "numbers: 1 2 3")
		}
	}
	assert.False(t, lock.IsRunning(dedup.ChildKey("worker")))
}
