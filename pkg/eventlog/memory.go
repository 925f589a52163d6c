package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memEntry struct {
	id     string
	fields map[string]any
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	entry       memEntry
}

type memGroup struct {
	next    int // index of the first undelivered entry
	pending map[string]*memPending
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
}

// MemoryLog implements Log in process memory. Entry ids are ULIDs, so they
// sort in publish order.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time
}

// NewMemory returns an empty log.
func NewMemory() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

// Publish implements Log.
func (l *MemoryLog) Publish(ctx context.Context, stream string, ev Event, maxLen int64) (string, error) {
	fields, err := encodeFields(ev)
	if err != nil {
		return "", err
	}
	id := ulid.Make().String()

	l.mu.Lock()
	s := l.stream(stream)
	s.entries = append(s.entries, memEntry{id: id, fields: fields})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := len(s.entries) - int(maxLen)
		s.entries = append([]memEntry(nil), s.entries[drop:]...)
		for _, g := range s.groups {
			g.next = max(g.next-drop, 0)
		}
	}
	// wake blocked readers
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()

	return id, nil
}

// EnsureGroup implements Log. A new group starts at the beginning of the
// stream, like XGROUP CREATE ... 0.
func (l *MemoryLog) EnsureGroup(ctx context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

// Read implements Log.
func (l *MemoryLog) Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		l.mu.Lock()
		out, err := l.deliver(group, consumer, streams, count)
		wait := l.notify
		l.mu.Unlock()

		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (l *MemoryLog) deliver(group, consumer string, streams []string, count int64) ([]Entry, error) {
	var out []Entry
	for _, name := range streams {
		s, ok := l.streams[name]
		if !ok {
			return nil, fmt.Errorf("NOGROUP no such stream %s", name)
		}
		g, ok := s.groups[group]
		if !ok {
			return nil, fmt.Errorf("NOGROUP no such group %s on %s", group, name)
		}
		n := int64(0)
		for g.next < len(s.entries) && (count <= 0 || n < count) {
			e := s.entries[g.next]
			g.next++
			n++
			g.pending[e.id] = &memPending{consumer: consumer, deliveredAt: l.now(), entry: e}
			out = append(out, Entry{ID: e.id, Stream: name, Event: decodeFields(e.fields)})
		}
	}
	return out, nil
}

// Claim implements Log.
func (l *MemoryLog) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such group %s on %s", group, stream)
	}

	now := l.now()
	var out []Entry
	// walk in stream order so claims are deterministic
	for _, e := range s.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		p, ok := g.pending[e.id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, Entry{ID: e.id, Stream: stream, Event: decodeFields(e.fields)})
	}
	return out, nil
}

// ReadPending implements Log.
func (l *MemoryLog) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such group %s on %s", group, stream)
	}

	var out []Entry
	for _, e := range s.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		if p, ok := g.pending[e.id]; ok && p.consumer == consumer {
			out = append(out, Entry{ID: e.id, Stream: stream, Event: decodeFields(e.fields)})
		}
	}
	return out, nil
}

// Ack implements Log.
func (l *MemoryLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Pending returns how many entries of group on stream await an ack.
func (l *MemoryLog) Pending(stream, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Len implements Log.
func (l *MemoryLog) Len(ctx context.Context, stream string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[stream]; ok {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

// Range implements Log.
func (l *MemoryLog) Range(ctx context.Context, stream string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, e := range s.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, Entry{ID: e.id, Stream: stream, Event: decodeFields(e.fields)})
	}
	return out, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	return nil
}

var (
	_ Log = (*MemoryLog)(nil)
	_ Log = (*RedisLog)(nil)
)
