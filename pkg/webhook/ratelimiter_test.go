package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(3, clock.now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.CheckLimit("1.2.3.4"))
		clock.advance(10 * time.Second)
	}
	assert.False(t, rl.CheckLimit("1.2.3.4"))
	assert.True(t, rl.CheckLimit("5.6.7.8"))

	// first request was 30s ago
	assert.Equal(t, 30, rl.RetryAfter("1.2.3.4"))
	assert.Equal(t, 0, rl.RetryAfter("9.9.9.9"))

	clock.advance(31 * time.Second)
	assert.True(t, rl.CheckLimit("1.2.3.4"))
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(5, clock.now)

	rl.CheckLimit("a")
	clock.advance(30 * time.Second)
	rl.CheckLimit("b")
	clock.advance(45 * time.Second)

	rl.cleanup()
	rl.mu.Lock()
	_, hasA := rl.limits["a"]
	_, hasB := rl.limits["b"]
	rl.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
