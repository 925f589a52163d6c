// Package hooks starts agents in response to events on the event log.
//
// Every configured stream is read through one consumer group. An entry's
// type is matched against the stream's triggers and each matching agent is
// dispatched. When a run fails or times out the event is re-published with
// its retry counter incremented, up to MaxRetries; after that it goes to the
// stream's dead-letter stream. A re-published event targets only the agents
// that failed. The original entry is acknowledged once its handling is
// complete, whatever the outcome.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/internal/tracing"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/dispatch"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
)

const (
	DefaultGroup        = "robothor-engine"
	DefaultMaxRetries   = 3
	DefaultDLQMaxLen    = 1000
	DefaultStreamMaxLen = 10000
	DefaultBlock        = 5 * time.Second
	DefaultBatch        = 10
	DefaultClaimIdle    = 10 * time.Minute
	defaultMaxInFlight  = 8
	payloadMax          = 8000
)

// Outcomes of handling one entry.
const (
	OutcomeUnmatched    = "unmatched"
	OutcomeCompleted    = "completed"
	OutcomeSkipped      = "skipped"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeInterrupted  = "interrupted"
)

// Dispatcher starts runs. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*agent.AgentRun, error)
}

// Config configures a Manager.
type Config struct {
	Log          eventlog.Log
	Dispatcher   Dispatcher
	Triggers     []Trigger
	Group        string
	Consumer     string
	Block        time.Duration
	Batch        int64
	MaxRetries   int
	DLQMaxLen    int64
	StreamMaxLen int64
	ClaimIdle    time.Duration
	MaxInFlight  int
	Logger       zerolog.Logger
}

// Manager consumes hook streams.
type Manager struct {
	log          eventlog.Log
	dispatcher   Dispatcher
	group        string
	consumer     string
	block        time.Duration
	batch        int64
	maxRetries   int
	dlqMaxLen    int64
	streamMaxLen int64
	claimIdle    time.Duration
	inFlight     *semaphore.Weighted
	logger       zerolog.Logger

	mu       sync.RWMutex
	byStream map[string][]Trigger
	groups   map[string]bool

	activeMu sync.Mutex
	active   map[string]bool

	wg sync.WaitGroup
}

// NewManager creates a hook consumer.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group + "-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}
	if cfg.DLQMaxLen <= 0 {
		cfg.DLQMaxLen = DefaultDLQMaxLen
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = DefaultStreamMaxLen
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = DefaultClaimIdle
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}

	observability.EnsureRegistered()

	return &Manager{
		log:          cfg.Log,
		dispatcher:   cfg.Dispatcher,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		block:        cfg.Block,
		batch:        cfg.Batch,
		maxRetries:   cfg.MaxRetries,
		dlqMaxLen:    cfg.DLQMaxLen,
		streamMaxLen: cfg.StreamMaxLen,
		claimIdle:    cfg.ClaimIdle,
		inFlight:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		byStream:     index(cfg.Triggers),
		groups:       make(map[string]bool),
		active:       make(map[string]bool),
	}, nil
}

// SetTriggers replaces the trigger set. Streams added here are picked up on
// the next read.
func (m *Manager) SetTriggers(triggers []Trigger) {
	idx := index(triggers)
	m.mu.Lock()
	m.byStream = idx
	m.mu.Unlock()
	m.logger.Info().Int("streams", len(idx)).Msg("Hook triggers updated")
}

// Streams returns the streams with at least one trigger.
func (m *Manager) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedStreams(m.byStream)
}

// triggersFor returns the triggers matching an event. A non-empty targets
// list narrows them to those agents.
func (m *Manager) triggersFor(stream, eventType string, targets []string) []Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Trigger
	for _, t := range m.byStream[stream] {
		if !t.matches(eventType) {
			continue
		}
		if len(targets) > 0 && !slices.Contains(targets, t.AgentID) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Run consumes until ctx is cancelled, then waits for in-flight entries.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Strs("streams", m.Streams()).Str("group", m.group).Msg("Hook consumer started")
	defer m.logger.Info().Msg("Hook consumer stopped")
	defer m.wg.Wait()

	lastSweep := time.Now()
	for ctx.Err() == nil {
		streams := m.Streams()
		if len(streams) == 0 {
			if !sleep(ctx, m.block) {
				break
			}
			continue
		}
		if err := m.ensureGroups(ctx, streams); err != nil {
			m.logger.Error().Err(err).Msg("Failed to create consumer groups")
			if !sleep(ctx, time.Second) {
				break
			}
			continue
		}
		if time.Since(lastSweep) >= m.claimIdle {
			for _, s := range streams {
				m.reclaim(ctx, s)
			}
			lastSweep = time.Now()
		}

		entries, err := m.log.Read(ctx, m.group, m.consumer, streams, m.batch, m.block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.logger.Error().Err(err).Msg("Failed to read hook streams")
			if !sleep(ctx, time.Second) {
				break
			}
			continue
		}
		for _, e := range entries {
			if !m.submit(ctx, e) {
				break
			}
		}
	}
	return nil
}

// submit handles e on its own goroutine unless it is already being handled.
// It returns false once ctx is cancelled.
func (m *Manager) submit(ctx context.Context, e eventlog.Entry) bool {
	key := e.Stream + "/" + e.ID
	m.activeMu.Lock()
	busy := m.active[key]
	if !busy {
		m.active[key] = true
	}
	m.activeMu.Unlock()
	if busy {
		return true
	}
	done := func() {
		m.activeMu.Lock()
		delete(m.active, key)
		m.activeMu.Unlock()
	}

	if err := m.inFlight.Acquire(ctx, 1); err != nil {
		done()
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Release(1)
		defer done()
		m.Handle(ctx, e)
	}()
	return true
}

// ensureGroups creates missing consumer groups. For each new stream it
// resumes this consumer's own unacknowledged entries, then reclaims those a
// previous consumer left idle.
func (m *Manager) ensureGroups(ctx context.Context, streams []string) error {
	for _, s := range streams {
		m.mu.RLock()
		done := m.groups[s]
		m.mu.RUnlock()
		if done {
			continue
		}
		if err := m.log.EnsureGroup(ctx, s, m.group); err != nil {
			return fmt.Errorf("stream %s: %w", s, err)
		}
		m.mu.Lock()
		m.groups[s] = true
		m.mu.Unlock()

		m.resume(ctx, s)
		m.reclaim(ctx, s)
	}
	return nil
}

// resume re-delivers entries this consumer read but never acknowledged,
// which is the state a quick restart leaves behind.
func (m *Manager) resume(ctx context.Context, stream string) {
	entries, err := m.log.ReadPending(ctx, stream, m.group, m.consumer, 0)
	if err != nil {
		m.logger.Warn().Err(err).Str("stream", stream).Msg("Failed to read own pending entries")
		return
	}
	if len(entries) == 0 {
		return
	}
	m.logger.Info().Str("stream", stream).Int("entries", len(entries)).Msg("Resuming pending entries")
	for _, e := range entries {
		if !m.submit(ctx, e) {
			return
		}
	}
}

func (m *Manager) reclaim(ctx context.Context, stream string) {
	entries, err := m.log.Claim(ctx, stream, m.group, m.consumer, m.claimIdle, m.batch)
	if err != nil {
		m.logger.Warn().Err(err).Str("stream", stream).Msg("Failed to claim pending entries")
		return
	}
	if len(entries) == 0 {
		return
	}
	m.logger.Info().Str("stream", stream).Int("entries", len(entries)).Msg("Reclaimed pending entries")
	for _, e := range entries {
		if !m.submit(ctx, e) {
			return
		}
	}
}

// Handle processes one delivered entry and acknowledges it. It returns the
// outcome. When ctx is cancelled mid-run the entry is left pending so it
// can be reclaimed after a restart.
func (m *Manager) Handle(ctx context.Context, e eventlog.Entry) string {
	ctx, span := tracing.StartSpan(ctx, "robothor.hooks", "hooks.handle",
		attribute.String("stream", e.Stream),
		attribute.String("entry_id", e.ID),
		attribute.String("event_type", e.Event.Type),
		attribute.Int("retry", e.Event.Retry),
	)
	defer span.End()
	logger := m.logger.With().
		Str("stream", e.Stream).
		Str("entry_id", e.ID).
		Str("event_type", e.Event.Type).
		Int("retry", e.Event.Retry).
		Logger()

	outcome := m.process(ctx, e, logger)
	span.SetAttributes(attribute.String("outcome", outcome))
	observability.RecordHookEvent(e.Stream, outcome)

	if outcome == OutcomeInterrupted {
		logger.Info().Msg("Hook handling interrupted, entry left pending")
		return outcome
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.log.Ack(ackCtx, e.Stream, m.group, e.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge entry")
	}
	logger.Debug().Str("outcome", outcome).Msg("Hook entry handled")
	return outcome
}

func (m *Manager) process(ctx context.Context, e eventlog.Entry, logger zerolog.Logger) string {
	triggers := m.triggersFor(e.Stream, e.Event.Type, e.Event.Targets)
	if len(triggers) == 0 {
		return OutcomeUnmatched
	}

	var (
		mu       sync.Mutex
		failures []string
		failed   []string
		ran      int
	)
	var g errgroup.Group
	for _, t := range triggers {
		g.Go(func() error {
			run, err := m.dispatcher.Dispatch(ctx, m.request(t, e))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, dispatch.ErrAlreadyRunning):
				logger.Info().Str("agent_id", t.AgentID).Msg("Agent busy, hook skipped")
			case err != nil:
				failures = append(failures, fmt.Sprintf("%s: %v", t.AgentID, err))
				failed = append(failed, t.AgentID)
			default:
				ran++
				if run.Status == agent.StatusFailed || run.Status == agent.StatusTimeout {
					failures = append(failures, fmt.Sprintf("%s: %s: %s", t.AgentID, run.Status, run.Error))
					failed = append(failed, t.AgentID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return OutcomeInterrupted
	}
	if len(failures) == 0 {
		if ran == 0 {
			return OutcomeSkipped
		}
		return OutcomeCompleted
	}

	reason := strings.Join(failures, "; ")
	logger.Warn().Str("reason", reason).Msg("Hook run failed")
	slices.Sort(failed)
	return m.retryOrDeadLetter(ctx, e, slices.Compact(failed), reason, logger)
}

// retryOrDeadLetter re-publishes e for the failed agents only, or moves it to
// the dead-letter stream once its retries are spent.
func (m *Manager) retryOrDeadLetter(ctx context.Context, e eventlog.Entry, failed []string, reason string, logger zerolog.Logger) string {
	ctx = context.WithoutCancel(ctx)
	ev := e.Event
	if ev.OriginID == "" {
		ev.OriginID = e.ID
	}
	ev.Targets = failed

	if ev.Retry < m.maxRetries {
		ev.Retry++
		id, err := m.log.Publish(ctx, e.Stream, ev, m.streamMaxLen)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to re-publish event")
		} else {
			logger.Info().Str("new_entry_id", id).Int("next_retry", ev.Retry).Msg("Event re-published for retry")
		}
		observability.RecordHookRetry(e.Stream)
		return OutcomeRetried
	}

	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["_error"] = reason
	ev.Payload = payload

	dlq := eventlog.DeadLetterStream(e.Stream)
	if _, err := m.log.Publish(ctx, dlq, ev, m.dlqMaxLen); err != nil {
		logger.Error().Err(err).Str("dlq", dlq).Msg("Failed to dead-letter event")
	} else {
		logger.Warn().Str("dlq", dlq).Msg("Event dead-lettered")
	}
	observability.RecordHookDeadLetter(e.Stream)
	observability.RecordDeadLetterAudit(ctx, e.Stream, e.ID, ev.Retry)
	return OutcomeDeadLettered
}

func (m *Manager) request(t Trigger, e eventlog.Entry) dispatch.Request {
	return dispatch.Request{
		AgentID: t.AgentID,
		Message: message(t, e),
		Trigger: agent.Trigger{
			Kind:          agent.TriggerHook,
			Detail:        e.Stream + "/" + e.Event.Type,
			CorrelationID: e.Event.CorrelationID,
		},
	}
}

func message(t Trigger, e eventlog.Entry) string {
	var b strings.Builder
	if t.Message != "" {
		b.WriteString(t.Message)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[Event %s on %s", e.Event.Type, e.Stream)
	if e.Event.Source != "" {
		fmt.Fprintf(&b, " from %s", e.Event.Source)
	}
	if !e.Event.Timestamp.IsZero() {
		fmt.Fprintf(&b, " at %s", e.Event.Timestamp.UTC().Format(time.RFC3339))
	}
	if e.Event.Retry > 0 {
		fmt.Fprintf(&b, ", attempt %d", e.Event.Retry+1)
	}
	b.WriteString("]")
	if len(e.Event.Payload) > 0 {
		data, err := json.MarshalIndent(e.Event.Payload, "", "  ")
		if err == nil {
			b.WriteString("\n")
			b.WriteString(clip(string(data), payloadMax))
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
