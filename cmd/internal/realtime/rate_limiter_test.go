package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be admitted", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event inside the window must be rejected")
	}
	// First admission (t0) leaves the window at t0+1s.
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("event after the oldest expired should be admitted")
	}
	if rl.Allow(t0.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("second admission (t0+100ms) is still inside the window")
	}
	if !rl.Allow(t0.Add(time.Second + 100*time.Millisecond)) {
		t.Fatalf("expected admission once t0+100ms expired")
	}
}

func TestRateLimiter_RejectedEventsDoNotCount(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	if !rl.Allow(t0) {
		t.Fatalf("first event rejected")
	}
	for i := 1; i < 10; i++ {
		if rl.Allow(t0.Add(time.Duration(i) * 50 * time.Millisecond)) {
			t.Fatalf("event %d should be rejected", i)
		}
	}
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("rejections must not extend the window")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
