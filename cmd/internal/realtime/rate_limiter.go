package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window log limiter: at most limit events in any window.
// The log is a fixed ring of the last limit admissions, so memory stays bounded.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // oldest admission once the ring is full
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter. Non-positive inputs pick the websocket defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is admitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < r.limit {
		r.ring = append(r.ring, now)
		return true
	}
	// The oldest of the last limit admissions must have left the window.
	if now.Sub(r.ring[r.head]) < r.window {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % r.limit
	return true
}
