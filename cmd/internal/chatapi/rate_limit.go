package chatapi

import (
	"sync"
	"time"

	"github.com/luckysmithlee/im-next/cmd/internal/realtime"
)

const maxTrackedUsers = 10000

// userLimits holds one sliding-window limiter per user.
type userLimits struct {
	mu     sync.Mutex
	byUser map[string]*userLimit
	events int
	window time.Duration
}

type userLimit struct {
	rl   *realtime.RateLimiter
	last time.Time
}

func newUserLimits(events int, window time.Duration) *userLimits {
	return &userLimits{
		byUser: make(map[string]*userLimit),
		events: events,
		window: window,
	}
}

func (u *userLimits) allow(userID string, now time.Time) bool {
	u.mu.Lock()
	l, ok := u.byUser[userID]
	if !ok {
		if len(u.byUser) >= maxTrackedUsers {
			u.pruneLocked(now)
		}
		l = &userLimit{rl: realtime.NewRateLimiter(u.events, u.window)}
		u.byUser[userID] = l
	}
	l.last = now
	u.mu.Unlock()

	return l.rl.Allow(now)
}

// pruneLocked drops limiters idle for a full window; their history has expired anyway.
func (u *userLimits) pruneLocked(now time.Time) {
	cut := now.Add(-u.window)
	for id, l := range u.byUser {
		if l.last.Before(cut) {
			delete(u.byUser, id)
		}
	}
}
