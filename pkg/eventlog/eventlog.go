// Package eventlog is an append-only, per-stream event log with consumer
// groups.
//
// RedisLog backs it with Redis Streams. MemoryLog is a single-process
// implementation with the same delivery semantics, used when no Redis is
// configured and in tests.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field names of an entry.
const (
	FieldType          = "type"
	FieldSource        = "source"
	FieldPayload       = "payload"
	FieldRetry         = "retry"
	FieldCorrelationID = "correlation_id"
	FieldTimestamp     = "timestamp"
	FieldOrigin        = "origin_id"
	FieldTargets       = "targets"
)

// DeadLetterSuffix is appended to a stream name to form its dead-letter stream.
const DeadLetterSuffix = ":dlq"

// DeadLetterStream returns the dead-letter stream of stream.
func DeadLetterStream(stream string) string {
	return stream + DeadLetterSuffix
}

// Event is what producers append.
type Event struct {
	Type          string         `json:"type"`
	Source        string         `json:"source,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Retry         int            `json:"retry,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// OriginID is the id of the entry this one was re-published from.
	OriginID string `json:"origin_id,omitempty"`
	// Targets restricts a re-published event to these agents.
	Targets   []string  `json:"targets,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is an event as stored in a stream.
type Entry struct {
	ID     string
	Stream string
	Event  Event
}

// Log is the event log contract. Implementations must be safe for
// concurrent use.
type Log interface {
	// Publish appends ev to stream, trimming the stream to roughly maxLen
	// entries when maxLen > 0. It returns the new entry id.
	Publish(ctx context.Context, stream string, ev Event, maxLen int64) (string, error)

	// EnsureGroup creates group on stream (and the stream) if missing.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Read delivers up to count new entries per stream to consumer, waiting
	// up to block for at least one. No entries is not an error.
	Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error)

	// Claim takes over entries pending longer than minIdle, e.g. after a
	// consumer crashed between delivery and ack.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// ReadPending returns up to count entries of stream that were delivered
	// to consumer and never acknowledged, oldest first.
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)

	// Ack acknowledges entries for group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Len returns the number of entries in stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Range returns up to count entries of stream, oldest first.
	Range(ctx context.Context, stream string, count int64) ([]Entry, error)

	Close() error
}

func encodeFields(ev Event) (map[string]any, error) {
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(data)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]any{
		FieldType:      ev.Type,
		FieldSource:    ev.Source,
		FieldPayload:   payload,
		FieldRetry:     strconv.Itoa(ev.Retry),
		FieldTimestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	if ev.CorrelationID != "" {
		fields[FieldCorrelationID] = ev.CorrelationID
	}
	if ev.OriginID != "" {
		fields[FieldOrigin] = ev.OriginID
	}
	if len(ev.Targets) > 0 {
		fields[FieldTargets] = strings.Join(ev.Targets, ",")
	}
	return fields, nil
}

// decodeFields is lenient: producers outside the engine may omit any field
// but type, and a malformed payload is kept under "raw".
func decodeFields(values map[string]any) Event {
	str := func(k string) string {
		switch v := values[k].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}

	ev := Event{
		Type:          str(FieldType),
		Source:        str(FieldSource),
		CorrelationID: str(FieldCorrelationID),
		OriginID:      str(FieldOrigin),
	}
	for _, t := range strings.Split(str(FieldTargets), ",") {
		if t = strings.TrimSpace(t); t != "" {
			ev.Targets = append(ev.Targets, t)
		}
	}
	if n, err := strconv.Atoi(str(FieldRetry)); err == nil {
		ev.Retry = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, str(FieldTimestamp)); err == nil {
		ev.Timestamp = ts
	}
	if raw := str(FieldPayload); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			ev.Payload = map[string]any{"raw": raw}
		}
	}
	return ev
}
