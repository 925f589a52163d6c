package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/internal/config"
	"github.com/ironsail-llc/robothor/internal/logger"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
	"github.com/ironsail-llc/robothor/pkg/store"
)

const triageManifest = `
id: triage
instruction: Sort incoming email.
model:
  primary: claude-sonnet-4
cron: "*/15 * * * *"
hooks:
  - stream: email
    event_type: email.received
    message: New email arrived.
`

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return &agent.LLMResponse{Content: p.reply, Usage: agent.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// createTestDaemon builds a daemon over temp dirs, the in-process event log
// and a scripted model.
func createTestDaemon(t *testing.T, mutate ...func(*config.Config)) (*Daemon, *scriptedProvider) {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.DatabasePath = filepath.Join(tmpDir, "engine.db")
	cfg.ManifestsDir = filepath.Join(tmpDir, "agents")
	cfg.WorkspacePath = filepath.Join(tmpDir, "workspace")
	cfg.Hooks.UseMemoryLog = true
	cfg.Hooks.Block = 20 * time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	provider := &scriptedProvider{reply: "done"}
	orig := newModelProvider
	newModelProvider = func(config.Credentials) (agent.LLMProvider, []string) {
		return provider, []string{"scripted"}
	}
	t.Cleanup(func() { newModelProvider = orig })

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, provider
}

func writeManifest(t *testing.T, d *Daemon, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(d.config.ManifestsDir, name), []byte(content), 0644))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorContains(t, err, "config is required")

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "engine.db")
	cfg.ManifestsDir = filepath.Join(cfg.DataDir, "agents")
	cfg.Hooks.UseMemoryLog = true
	cfg.Ingress.Enabled = true
	cfg.Ingress.Sources = []config.IngressSource{{Name: "gh"}}
	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "failed to create HTTP server")
}

func TestNewWiresComponents(t *testing.T) {
	d, _ := createTestDaemon(t)

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.events)
	assert.NotNil(t, d.runner)
	assert.NotNil(t, d.dispatcher)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.hooks)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.httpServer)
	assert.Subset(t, d.tools.Names(), []string{"read_file", "write_file", "publish_event", "recent_runs"})
}

func TestNewOptionalServices(t *testing.T) {
	d, _ := createTestDaemon(t, func(c *config.Config) {
		c.Scheduler.Enabled = false
		c.Hooks.Enabled = false
		c.Metrics.Enabled = true
		c.Metrics.Address = "127.0.0.1:0"
	})
	assert.Nil(t, d.scheduler)
	assert.Nil(t, d.hooks)
	assert.NotNil(t, d.httpServer)
	assert.Empty(t, d.Jobs())
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)
	writeManifest(t, d, "triage.yaml", triageManifest)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Agents)
	assert.Equal(t, 1, status.Jobs)

	pid, err := ReadPID(PIDFile(d.config.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(PIDFile(d.config.DataDir)))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFile(d.config.DataDir))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, d.Stop())
}

func TestChat(t *testing.T) {
	d, provider := createTestDaemon(t)
	writeManifest(t, d, "triage.yaml", triageManifest)
	require.NoError(t, d.LoadManifests(context.Background()))

	run, err := d.Chat(context.Background(), "triage", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, run.Status)
	assert.Equal(t, "done", run.Output)
	assert.Equal(t, agent.TriggerChat, run.Trigger.Kind)
	assert.NotEmpty(t, run.Trigger.CorrelationID)
	assert.Equal(t, 1, provider.count())

	runs, err := d.RecentRuns(context.Background(), store.RunFilter{AgentID: "triage"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	_, err = d.Chat(context.Background(), "nobody", "hello", nil)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestRecoverStaleRuns(t *testing.T) {
	d, _ := createTestDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.store.CreateRun(ctx, &agent.AgentRun{
		ID: "stale", AgentID: "triage", Status: agent.StatusRunning, StartedAt: time.Now().Add(-time.Hour),
	}))
	require.True(t, d.lock.TryAcquire("triage"))

	n, err := d.RecoverStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, d.lock.IsRunning("triage"))

	run, err := d.store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusTimeout, run.Status)
	assert.Equal(t, InterruptedReason, run.Error)
}

func TestHookEventTriggersAgent(t *testing.T) {
	d, provider := createTestDaemon(t)
	writeManifest(t, d, "triage.yaml", triageManifest)
	require.NoError(t, d.Start())
	defer d.Stop()

	_, err := d.events.Publish(context.Background(), "email", eventlog.Event{
		Type:    "email.received",
		Source:  "imap",
		Payload: map[string]any{"subject": "Invoice"},
	}, 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		runs, err := d.RecentRuns(context.Background(), store.RunFilter{AgentID: "triage"})
		return err == nil && len(runs) == 1 && runs[0].Status == agent.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, provider.count())

	runs, err := d.RecentRuns(context.Background(), store.RunFilter{AgentID: "triage"})
	require.NoError(t, err)
	assert.Equal(t, agent.TriggerHook, runs[0].Trigger.Kind)
}

func TestStaticHookTriggers(t *testing.T) {
	d, _ := createTestDaemon(t, func(c *config.Config) {
		c.Hooks.Triggers = map[string][]config.HookTrigger{
			"crm": {{EventType: "contact.created", AgentID: "triage", Message: "New contact"}},
		}
	})
	writeManifest(t, d, "triage.yaml", triageManifest)
	require.NoError(t, d.LoadManifests(context.Background()))

	assert.Equal(t, []string{"crm", "email"}, d.hooks.Streams())
}

func TestStopAgentWithoutRuns(t *testing.T) {
	d, _ := createTestDaemon(t)
	assert.Equal(t, 0, d.StopAgent("triage"))
	assert.False(t, d.StopRun("missing"))
}

func TestLifecycleRefusesLiveEngine(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)
	assert.Equal(t, filepath.Join(d.config.DataDir, "robothor.pid"), lm.pidFile)

	// PID 1 is always alive.
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("1"), 0644))
	assert.ErrorContains(t, lm.Start(), "already running")

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("garbage"), 0644))
	require.NoError(t, lm.Start())
	require.NoError(t, lm.Stop())
	assert.False(t, IsRunning(lm.pidFile))
}
