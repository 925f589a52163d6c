package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter implements per-IP rate limiting with a sliding one-minute window
type RateLimiter struct {
	limits            map[string]*RateLimitState
	maxRequestsPerMin int
	mu                sync.Mutex
	now               func() time.Time
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := newRateLimiter(maxRequestsPerMinute, time.Now)
	go rl.startCleanup(5 * time.Minute)
	return rl
}

func newRateLimiter(maxRequestsPerMinute int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limits:            make(map[string]*RateLimitState),
		maxRequestsPerMin: maxRequestsPerMinute,
		now:               now,
		stopCleanup:       make(chan struct{}),
	}
}

// CheckLimit records a request from ip and reports whether it is allowed.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now().UnixMilli()
	state, ok := rl.limits[ip]
	if !ok {
		state = &RateLimitState{}
		rl.limits[ip] = state
	}
	state.Requests = recent(state.Requests, now)

	if len(state.Requests) >= rl.maxRequestsPerMin {
		return false
	}
	state.Requests = append(state.Requests, now)
	return true
}

// RetryAfter returns the seconds until ip may send again.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.limits[ip]
	if !ok || len(state.Requests) == 0 {
		return 0
	}
	remaining := rateWindow.Milliseconds() - (rl.now().UnixMilli() - state.Requests[0])
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

func recent(requests []int64, now int64) []int64 {
	kept := requests[:0]
	for _, t := range requests {
		if now-t < rateWindow.Milliseconds() {
			kept = append(kept, t)
		}
	}
	return kept
}

func (rl *RateLimiter) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops IPs with no request inside the window.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now().UnixMilli()
	for ip, state := range rl.limits {
		state.Requests = recent(state.Requests, now)
		if len(state.Requests) == 0 {
			delete(rl.limits, ip)
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
