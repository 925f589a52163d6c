package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ironsail-llc/robothor/internal/tracing"
)

// AuditEvent is one line in the audit log.
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"` // agent ID
	Action    string         `json:"action"`          // e.g. "guardrail_blocked", "circuit_opened"
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger. Until InitAuditLogger
// runs, events are discarded.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.New(io.Discard)}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at a file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record emits an audit event and mirrors it as a span event when a span is active.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	tc := tracing.FromContext(ctx)
	event.RunID = tc.RunID
	event.TraceID = tc.TraceID

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)
	if event.RunID != "" {
		entry.Str("run_id", event.RunID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit logger's file handle. Later events are discarded.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.New(io.Discard)
	return err
}

func RecordGuardrailAudit(ctx context.Context, agentID, policy, tool string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "guardrail",
		Actor:    agentID,
		Action:   "blocked:" + tool,
		Status:   "denied",
		Metadata: map[string]any{"policy": policy},
	})
}

func RecordCircuitAudit(ctx context.Context, job string, consecutiveErrors int) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "scheduler",
		Actor:    job,
		Action:   "circuit_opened",
		Status:   "alerted",
		Metadata: map[string]any{"consecutive_errors": consecutiveErrors},
	})
}

func RecordDeadLetterAudit(ctx context.Context, stream, entryID string, retries int) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "hooks",
		Actor:    stream,
		Action:   "dead_lettered",
		Status:   "failure",
		Metadata: map[string]any{"entry_id": entryID, "retries": retries},
	})
}

func RecordManifestAudit(ctx context.Context, dir string, agents int, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    "manifest_watcher",
		Action:   "manifests_reloaded",
		Status:   status,
		Metadata: map[string]any{"dir": dir, "agents": agents},
	})
}
