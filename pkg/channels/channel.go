// Package channels holds the outbound channels agent output is announced on.
package channels

import (
	"context"
	"time"
)

// Message is one outbound announcement.
type Message struct {
	AgentID string
	RunID   string
	To      string
	Text    string
	Alert   bool
	SentAt  time.Time
}

// Channel delivers messages to one destination (log, chat, email, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Stop(ctx context.Context) error
}
