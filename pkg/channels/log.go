package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogChannel writes announcements to the engine log. It is always available
// and is the fallback when no other channel is configured.
type LogChannel struct {
	name   string
	logger zerolog.Logger
}

// NewLogChannel creates a log channel by name.
func NewLogChannel(name string, logger zerolog.Logger) *LogChannel {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "log"
	}
	return &LogChannel{name: name, logger: logger.With().Str("channel", name).Logger()}
}

// Name returns channel name.
func (c *LogChannel) Name() string {
	return c.name
}

// Start is a no-op for log channels.
func (c *LogChannel) Start(_ context.Context) error {
	return nil
}

// Send logs the message.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	ev := c.logger.Info()
	if msg.Alert {
		ev = c.logger.Warn()
	}
	ev.Str("agent_id", msg.AgentID).
		Str("run_id", msg.RunID).
		Str("to", msg.To).
		Bool("alert", msg.Alert).
		Msg(msg.Text)
	return nil
}

// Stop is a no-op for log channels.
func (c *LogChannel) Stop(_ context.Context) error {
	return nil
}

// MemoryChannel keeps every message it is sent.
type MemoryChannel struct {
	name string

	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemoryChannel creates an in-memory channel.
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: strings.TrimSpace(name)}
}

func (c *MemoryChannel) Name() string                  { return c.name }
func (c *MemoryChannel) Start(_ context.Context) error { return nil }
func (c *MemoryChannel) Stop(_ context.Context) error  { return nil }

// Send records msg, or fails with the error set by FailWith.
func (c *MemoryChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("send on %s: %w", c.name, c.err)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	c.messages = append(c.messages, msg)
	return nil
}

// FailWith makes subsequent sends fail with err; nil restores them.
func (c *MemoryChannel) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Messages returns a copy of the recorded messages.
func (c *MemoryChannel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}
