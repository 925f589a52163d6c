package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/channels"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
)

func setupRouter(t *testing.T, log eventlog.Log) (*Router, *channels.MemoryChannel, *channels.MemoryChannel) {
	t.Helper()
	reg := channels.NewRegistry()
	def := channels.NewMemoryChannel("log")
	ops := channels.NewMemoryChannel("ops")
	require.NoError(t, reg.Register(def))
	require.NoError(t, reg.Register(ops))

	cfg := Config{Channels: reg, AlertChannel: "ops", AlertTo: "oncall", Logger: zerolog.Nop()}
	if log != nil {
		cfg.Publisher = log
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r, def, ops
}

func completedRun(mode agent.DeliveryMode) *agent.AgentRun {
	return &agent.AgentRun{
		ID:           "run-1",
		AgentID:      "triage",
		Status:       agent.StatusCompleted,
		Output:       "  3 threads need replies  ",
		DeliveryMode: mode,
		Trigger:      agent.Trigger{Kind: agent.TriggerCron, CorrelationID: "corr-1"},
	}
}

func TestNew_RequiresChannels(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "channel registry is required")
}

func TestDeliver_Announce(t *testing.T) {
	r, def, ops := setupRouter(t, nil)

	cfg := agent.AgentConfig{ID: "triage"}
	require.NoError(t, r.Deliver(context.Background(), cfg, completedRun(agent.DeliveryAnnounce)))
	msgs := def.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "3 threads need replies", msgs[0].Text)
	assert.Equal(t, "run-1", msgs[0].RunID)

	cfg.Delivery = agent.DeliveryConfig{Channel: "ops", To: "#inbox"}
	require.NoError(t, r.Deliver(context.Background(), cfg, completedRun("")))
	require.Len(t, ops.Messages(), 1)
	assert.Equal(t, "#inbox", ops.Messages()[0].To)
}

func TestDeliver_AnnounceFailure(t *testing.T) {
	r, def, _ := setupRouter(t, nil)
	run := completedRun(agent.DeliveryAnnounce)
	run.Status = agent.StatusTimeout
	run.Error = "run exceeded timeout of 10s"

	require.NoError(t, r.Deliver(context.Background(), agent.AgentConfig{}, run))
	require.Len(t, def.Messages(), 1)
	assert.Equal(t, "[triage] run timeout: run exceeded timeout of 10s", def.Messages()[0].Text)
}

func TestDeliver_EmptyOutputIsSkipped(t *testing.T) {
	r, def, _ := setupRouter(t, nil)
	run := completedRun(agent.DeliveryAnnounce)
	run.Output = "   "
	require.NoError(t, r.Deliver(context.Background(), agent.AgentConfig{}, run))
	assert.Empty(t, def.Messages())
}

func TestDeliver_Silent(t *testing.T) {
	r, def, ops := setupRouter(t, nil)
	require.NoError(t, r.Deliver(context.Background(), agent.AgentConfig{}, completedRun(agent.DeliverySilent)))
	assert.Empty(t, def.Messages())
	assert.Empty(t, ops.Messages())
}

func TestDeliver_Publish(t *testing.T) {
	log := eventlog.NewMemory()
	r, def, _ := setupRouter(t, log)
	ctx := context.Background()

	cfg := agent.AgentConfig{ID: "triage", Delivery: agent.DeliveryConfig{Stream: "triage:out"}}
	require.NoError(t, r.Deliver(ctx, cfg, completedRun(agent.DeliveryPublish)))
	assert.Empty(t, def.Messages())

	entries, err := log.Range(ctx, "triage:out", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev := entries[0].Event
	assert.Equal(t, OutputEventType, ev.Type)
	assert.Equal(t, "triage", ev.Source)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "run-1", ev.Payload["run_id"])
	assert.Equal(t, "completed", ev.Payload["status"])

	require.NoError(t, r.Deliver(ctx, agent.AgentConfig{ID: "triage"}, completedRun(agent.DeliveryPublish)))
	n, _ := log.Len(ctx, DefaultStream)
	assert.EqualValues(t, 1, n)
}

func TestDeliver_PublishWithoutLog(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	err := r.Deliver(context.Background(), agent.AgentConfig{}, completedRun(agent.DeliveryPublish))
	assert.ErrorContains(t, err, "no event log")
}

func TestDeliver_UnknownMode(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	err := r.Deliver(context.Background(), agent.AgentConfig{}, completedRun("carrier-pigeon"))
	assert.ErrorContains(t, err, "unknown delivery mode")
}

func TestAlert(t *testing.T) {
	r, _, ops := setupRouter(t, nil)
	r.now = func() time.Time { return time.Unix(0, 0) }

	require.NoError(t, r.Alert(context.Background(), "triage", "circuit open"))
	msgs := ops.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Alert)
	assert.Equal(t, "oncall", msgs[0].To)
	assert.Equal(t, "triage", msgs[0].AgentID)
}
