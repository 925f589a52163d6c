package channels

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChannel struct {
	name       string
	startCalls int
	stopCalls  int
	startErr   error
	sendErr    error
	sent       []Message
}

func (c *testChannel) Name() string {
	return c.name
}

func (c *testChannel) Start(_ context.Context) error {
	c.startCalls++
	return c.startErr
}

func (c *testChannel) Send(_ context.Context, msg Message) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *testChannel) Stop(_ context.Context) error {
	c.stopCalls++
	return nil
}

func TestRegistry_RegisterStartSendStop(t *testing.T) {
	reg := NewRegistry()

	ch := &testChannel{name: "ops"}
	require.NoError(t, reg.Register(ch))
	assert.True(t, reg.IsRegistered("ops"))
	assert.Equal(t, []string{"ops"}, reg.Names())

	require.NoError(t, reg.StartAll(context.Background()))
	require.NoError(t, reg.StartAll(context.Background()))
	assert.Equal(t, 1, ch.startCalls, "starting twice is a no-op")

	require.NoError(t, reg.Send(context.Background(), " ops ", Message{AgentID: "triage", Text: "hello"}))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "hello", ch.sent[0].Text)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, 1, ch.stopCalls)
}

func TestRegistry_SendUnknownChannel(t *testing.T) {
	reg := NewRegistry()

	err := reg.Send(context.Background(), "telegram", Message{Text: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")

	err = reg.Send(context.Background(), "", Message{Text: "ping"})
	assert.ErrorContains(t, err, "channel is required")
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(&testChannel{name: "ops"}))
	err := reg.Register(&testChannel{name: "ops"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&testChannel{name: "  "}))
}

func TestRegistry_SendRecordsStats(t *testing.T) {
	reg := NewRegistry()
	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return sentAt }

	ok := &testChannel{name: "ops"}
	broken := &testChannel{name: "email", sendErr: errors.New("smtp down")}
	require.NoError(t, reg.Register(ok))
	require.NoError(t, reg.Register(broken))

	require.NoError(t, reg.Send(context.Background(), "ops", Message{Text: "a"}))
	require.NoError(t, reg.Send(context.Background(), "ops", Message{Text: "b"}))
	err := reg.Send(context.Background(), "email", Message{Text: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `channel "email"`)
	assert.ErrorIs(t, err, broken.sendErr)

	require.Len(t, ok.sent, 2)
	assert.Equal(t, sentAt, ok.sent[0].SentAt)

	stats := reg.Stats()
	assert.Equal(t, Stats{Sent: 2, LastSent: sentAt}, stats["ops"])
	assert.Equal(t, 1, stats["email"].Failed)
	assert.Equal(t, "smtp down", stats["email"].LastError)
}

func TestRegistry_StartAllRollsBack(t *testing.T) {
	reg := NewRegistry()
	first := &testChannel{name: "a-log"}
	failing := &testChannel{name: "b-chat", startErr: errors.New("no token")}
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(failing))

	err := reg.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b-chat"`)
	assert.Equal(t, 1, first.startCalls)
	assert.Equal(t, 1, first.stopCalls, "channels started before the failure are stopped")

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, 1, first.stopCalls)
	assert.Equal(t, 0, failing.stopCalls)
}

func TestLogChannel_Send(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel("", zerolog.New(&buf))
	assert.Equal(t, "log", ch.Name())

	require.NoError(t, ch.Send(context.Background(), Message{AgentID: "triage", RunID: "r1", Text: "3 new emails"}))
	require.NoError(t, ch.Send(context.Background(), Message{AgentID: "triage", Text: "circuit open", Alert: true}))

	out := buf.String()
	assert.Contains(t, out, `"message":"3 new emails"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"alert":true`)
}

func TestMemoryChannel(t *testing.T) {
	ch := NewMemoryChannel("mem")
	require.NoError(t, ch.Send(context.Background(), Message{Text: "a"}))

	ch.FailWith(assert.AnError)
	assert.ErrorIs(t, ch.Send(context.Background(), Message{Text: "b"}), assert.AnError)
	ch.FailWith(nil)

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].SentAt.IsZero())
}
