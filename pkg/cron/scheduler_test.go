package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/dedup"
	"github.com/ironsail-llc/robothor/pkg/dispatch"
	"github.com/ironsail-llc/robothor/pkg/store"
)

type runCall struct {
	agentID string
	message string
	trigger agent.Trigger
	opts    agent.ExecuteOptions
}

type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	status agent.RunStatus
}

func (m *mockRunner) Execute(ctx context.Context, agentID, message string, trigger agent.Trigger, opts agent.ExecuteOptions) *agent.AgentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, runCall{agentID: agentID, message: message, trigger: trigger, opts: opts})
	status := m.status
	if status == "" {
		status = agent.StatusCompleted
	}
	run := &agent.AgentRun{
		ID:         "run-" + agentID,
		AgentID:    agentID,
		Status:     status,
		Trigger:    trigger,
		StartedAt:  time.Now(),
		DurationMs: 12,
	}
	if status != agent.StatusCompleted {
		run.Error = "model unavailable"
	}
	return run
}

func (m *mockRunner) setStatus(s agent.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRunner) last() runCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type mockAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (m *mockAlerter) Alert(ctx context.Context, agentID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, agentID+": "+text)
	return nil
}

type fixture struct {
	sched   *Scheduler
	runner  *mockRunner
	lock    *dedup.Lock
	state   *store.Store
	alerter *mockAlerter
}

func setupScheduler(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "robothor.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := &mockRunner{}
	lock := dedup.New()
	d, err := dispatch.New(dispatch.Config{Runner: runner, Configs: agent.StaticConfigs{}, Lock: lock, Logger: zerolog.Nop()})
	require.NoError(t, err)

	alerter := &mockAlerter{}
	s, err := New(Config{Dispatcher: d, State: st, Alerter: alerter, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })

	return &fixture{sched: s, runner: runner, lock: lock, state: st, alerter: alerter}
}

func triageConfig() agent.AgentConfig {
	return agent.AgentConfig{
		ID:          "triage",
		Instruction: "Triage the inbox.",
		Model:       agent.ModelConfig{Primary: "claude-sonnet-4"},
		Cron:        "*/15 * * * *",
		Timezone:    "America/New_York",
		CronMessage: "Check for new email.",
		Heartbeat: &agent.HeartbeatConfig{
			Cron:        "0 * * * *",
			Instruction: "Report inbox health.",
			Budget:      agent.BudgetConfig{TokenBudget: 2000},
		},
	}
}

func (f *fixture) job(t *testing.T, key string) *job {
	t.Helper()
	f.sched.mu.RLock()
	defer f.sched.mu.RUnlock()
	j, ok := f.sched.jobs[key]
	require.True(t, ok, "job %s registered", key)
	return j
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{State: &store.Store{}})
	assert.ErrorContains(t, err, "dispatcher is required")

	d, _ := dispatch.New(dispatch.Config{Runner: &mockRunner{}, Configs: agent.StaticConfigs{}, Lock: dedup.New()})
	_, err = New(Config{Dispatcher: d})
	assert.ErrorContains(t, err, "state store is required")
}

func TestLoad_RegistersPrimaryAndHeartbeat(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	bad := agent.AgentConfig{ID: "broken", Cron: "not a cron"}
	noCron := agent.AgentConfig{ID: "chat-only"}
	err := f.sched.Load(ctx, []agent.AgentConfig{triageConfig(), bad, noCron})
	assert.ErrorContains(t, err, "job broken")

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "triage", jobs[0].Key)
	assert.False(t, jobs[0].Heartbeat)
	assert.Equal(t, dedup.HeartbeatKey("triage"), jobs[1].Key)
	assert.True(t, jobs[1].Heartbeat)
	assert.Equal(t, "America/New_York", jobs[1].Timezone, "heartbeat inherits the agent timezone")

	sched, err := f.state.GetSchedule(ctx, "triage")
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, "*/15 * * * *", sched.CronExpr)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now()))

	// reload replaces the job set
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{{ID: "other", Cron: "@hourly"}}))
	jobs = f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "other", jobs[0].Key)
}

func TestRun_SuccessUpdatesState(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))

	f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now())

	require.Equal(t, 1, f.runner.count())
	call := f.runner.last()
	assert.Equal(t, agent.TriggerCron, call.trigger.Kind)
	assert.Equal(t, "schedule", call.trigger.Detail)
	assert.Contains(t, call.message, "[Scheduled run at ")
	assert.Contains(t, call.message, "Check for new email.")
	assert.Nil(t, call.opts.Config)

	sched, err := f.state.GetSchedule(ctx, "triage")
	require.NoError(t, err)
	assert.Equal(t, "completed", sched.LastStatus)
	assert.Equal(t, "run-triage", sched.LastRunID)
	assert.EqualValues(t, 12, sched.LastDurationMs)
	assert.Equal(t, 0, sched.ConsecutiveErrors)
	assert.NotNil(t, sched.LastRunAt)
	assert.False(t, f.lock.IsRunning("triage"))
}

func TestRun_FailureIncrementsCounter(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))
	f.runner.setStatus(agent.StatusFailed)

	j := f.job(t, "triage")
	f.sched.runScheduled(ctx, j, time.Now())
	f.sched.runScheduled(ctx, j, time.Now())

	sched, err := f.state.GetSchedule(ctx, "triage")
	require.NoError(t, err)
	assert.Equal(t, 2, sched.ConsecutiveErrors)
	assert.Equal(t, "model unavailable", sched.LastError)

	f.runner.setStatus(agent.StatusCompleted)
	f.sched.runScheduled(ctx, j, time.Now())
	sched, _ = f.state.GetSchedule(ctx, "triage")
	assert.Equal(t, 0, sched.ConsecutiveErrors)
}

func setErrors(t *testing.T, f *fixture, key string, n int) {
	t.Helper()
	ctx := context.Background()
	sched, err := f.state.GetSchedule(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, sched)
	sched.ConsecutiveErrors = n
	require.NoError(t, f.state.UpdateScheduleState(ctx, *sched))
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("below threshold runs", func(t *testing.T) {
		f := setupScheduler(t)
		ctx := context.Background()
		require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))
		setErrors(t, f, "triage", 2)

		f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now())
		assert.Equal(t, 1, f.runner.count())
		assert.Empty(t, f.alerter.alerts)
	})

	t.Run("at threshold skips and alerts once", func(t *testing.T) {
		f := setupScheduler(t)
		ctx := context.Background()
		require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))
		setErrors(t, f, "triage", 5)

		j := f.job(t, "triage")
		f.sched.runScheduled(ctx, j, time.Now())
		f.sched.runScheduled(ctx, j, time.Now())

		assert.Equal(t, 0, f.runner.count(), "no run is attempted")
		require.Len(t, f.alerter.alerts, 1)
		assert.Contains(t, f.alerter.alerts[0], "triage: Circuit breaker opened")
		assert.False(t, f.lock.IsRunning("triage"))

		sched, _ := f.state.GetSchedule(ctx, "triage")
		assert.True(t, sched.CircuitAlerted)
		assert.Equal(t, 5, sched.ConsecutiveErrors)
	})

	t.Run("reset and manual run re-arm", func(t *testing.T) {
		f := setupScheduler(t)
		ctx := context.Background()
		require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))
		setErrors(t, f, "triage", 7)

		run, err := f.sched.RunNow(ctx, "triage")
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCompleted, run.Status)
		sched, _ := f.state.GetSchedule(ctx, "triage")
		assert.Equal(t, 0, sched.ConsecutiveErrors)

		setErrors(t, f, "triage", 5)
		require.NoError(t, f.sched.ResetCircuit(ctx, "triage"))
		f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now())
		assert.Equal(t, 2, f.runner.count())
	})
}

func TestRun_Misfire(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))

	f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now().Add(-2*time.Minute))
	assert.Equal(t, 0, f.runner.count())

	f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now().Add(-30*time.Second))
	assert.Equal(t, 1, f.runner.count(), "within the grace period")
}

func TestRun_Heartbeat(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))

	require.True(t, f.lock.TryAcquire("triage"), "primary job busy")
	f.sched.runScheduled(ctx, f.job(t, dedup.HeartbeatKey("triage")), time.Now())

	require.Equal(t, 1, f.runner.count(), "heartbeat does not contend with the primary key")
	call := f.runner.last()
	assert.Equal(t, "heartbeat", call.trigger.Detail)
	require.NotNil(t, call.opts.Config)
	assert.Equal(t, "Report inbox health.", call.opts.Config.Instruction)
	assert.Equal(t, 2000, call.opts.Config.Budget.TokenBudget)
	assert.Equal(t, "claude-sonnet-4", call.opts.Config.Model.Primary)
	assert.Contains(t, call.message, defaultHeartbeatMessage)

	hb, err := f.state.GetSchedule(ctx, dedup.HeartbeatKey("triage"))
	require.NoError(t, err)
	assert.Equal(t, "completed", hb.LastStatus)
	primary, _ := f.state.GetSchedule(ctx, "triage")
	assert.Empty(t, primary.LastStatus, "heartbeat state is kept separately")
}

func TestRun_AlreadyRunningIsSkipped(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Load(ctx, []agent.AgentConfig{triageConfig()}))

	require.True(t, f.lock.TryAcquire("triage"))
	f.sched.runScheduled(ctx, f.job(t, "triage"), time.Now())
	assert.Equal(t, 0, f.runner.count())

	sched, _ := f.state.GetSchedule(ctx, "triage")
	assert.Empty(t, sched.LastStatus)
	assert.True(t, f.lock.IsRunning("triage"))
}

func TestRunNow_UnknownJob(t *testing.T) {
	f := setupScheduler(t)
	_, err := f.sched.RunNow(context.Background(), "ghost")
	assert.ErrorContains(t, err, "no scheduled job")
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	f := setupScheduler(t)
	require.NoError(t, f.sched.Load(context.Background(), []agent.AgentConfig{{ID: "ticker", Cron: "@every 1s"}}))
	f.sched.Start()

	require.Eventually(t, func() bool { return f.runner.count() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))
	assert.Equal(t, "ticker", f.runner.last().agentID)
}
