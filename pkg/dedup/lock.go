package dedup

import (
	"sort"
	"sync"
	"time"
)

const (
	heartbeatSuffix = ":heartbeat"
	childPrefix     = "sub:"
)

// HeartbeatKey returns the dedup key used by an agent's heartbeat job.
func HeartbeatKey(agentID string) string {
	return agentID + heartbeatSuffix
}

// ChildKey returns the dedup key used when an agent runs as a sub-agent.
func ChildKey(agentID string) string {
	return childPrefix + agentID
}

// KeysFor returns every key an agent may hold.
func KeysFor(agentID string) []string {
	return []string{agentID, HeartbeatKey(agentID), ChildKey(agentID)}
}

// entry records when a key was acquired.
type entry struct {
	acquiredAt time.Time
}

// Lock is a process-wide set of in-flight run keys.
type Lock struct {
	mu       sync.Mutex
	entries  map[string]entry
	onChange func(inFlight int)
}

// Option configures a Lock.
type Option func(*Lock)

// WithObserver registers a callback invoked with the in-flight count after every change.
func WithObserver(fn func(inFlight int)) Option {
	return func(l *Lock) {
		l.onChange = fn
	}
}

// New creates an empty Lock.
func New(opts ...Option) *Lock {
	l := &Lock{
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire inserts key if absent and reports whether it was newly inserted.
func (l *Lock) TryAcquire(key string) bool {
	l.mu.Lock()
	if _, exists := l.entries[key]; exists {
		l.mu.Unlock()
		return false
	}
	l.entries[key] = entry{acquiredAt: time.Now()}
	count := len(l.entries)
	l.mu.Unlock()

	l.notify(count)
	return true
}

// Release removes key. Releasing an absent key is a no-op.
func (l *Lock) Release(key string) {
	l.mu.Lock()
	if _, exists := l.entries[key]; !exists {
		l.mu.Unlock()
		return
	}
	delete(l.entries, key)
	count := len(l.entries)
	l.mu.Unlock()

	l.notify(count)
}

// IsRunning reports whether key is currently held.
func (l *Lock) IsRunning(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, exists := l.entries[key]
	return exists
}

// RunningKeys returns a sorted snapshot of the held keys.
func (l *Lock) RunningKeys() []string {
	l.mu.Lock()
	keys := make([]string, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// HeldFor returns how long key has been held, or zero if it is not held.
func (l *Lock) HeldFor(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[key]
	if !exists {
		return 0
	}
	return time.Since(e.acquiredAt)
}

func (l *Lock) notify(count int) {
	if l.onChange != nil {
		l.onChange(count)
	}
}
