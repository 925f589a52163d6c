package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ironsail-llc/robothor/internal/observability"
)

// Stats summarizes deliveries on one channel.
type Stats struct {
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastSent  time.Time `json:"last_sent,omitempty"`
}

type entry struct {
	ch      Channel
	started bool
	stats   Stats
}

// Registry holds the outbound channels by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry constructs an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// Register adds ch under its name.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.entries[name] = &entry{ch: ch}
	return nil
}

// IsRegistered reports whether a channel named name exists.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[strings.TrimSpace(name)]
	return ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers msg on the named channel and records the outcome.
func (r *Registry) Send(ctx context.Context, name string, msg Message) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel is required")
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q is not registered", name)
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
	}
	err := e.ch.Send(ctx, msg)
	observability.RecordDelivery(name, err)

	r.mu.Lock()
	if err != nil {
		e.stats.Failed++
		e.stats.LastError = err.Error()
	} else {
		e.stats.Sent++
		e.stats.LastSent = msg.SentAt
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("channel %q: %w", name, err)
	}
	return nil
}

// Stats returns a copy of the per-channel delivery counters.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.stats
	}
	return out
}

// StartAll starts every channel not yet started. On failure the channels
// started by this call are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []string
	for _, name := range r.Names() {
		r.mu.RLock()
		e := r.entries[name]
		skip := e.started
		r.mu.RUnlock()
		if skip {
			continue
		}

		if err := e.ch.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = r.stop(ctx, started[i])
			}
			return fmt.Errorf("failed to start channel %q: %w", name, err)
		}

		r.mu.Lock()
		e.started = true
		r.mu.Unlock()
		started = append(started, name)
	}
	return nil
}

// StopAll stops started channels in reverse name order and joins the errors.
func (r *Registry) StopAll(ctx context.Context) error {
	names := r.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.stop(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) stop(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || !e.started {
		r.mu.Unlock()
		return nil
	}
	e.started = false
	r.mu.Unlock()

	if err := e.ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}
	return nil
}
