package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"
)

// Presence publishes the online-user list to every live connection.
//
// Trigger arms a single trailing timer: every directory change inside the window
// collapses into one Announce, computed when the timer fires.
type Presence struct {
	log     *slog.Logger
	dir     *Directory
	window  time.Duration
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPresence constructs a broadcaster and subscribes it to dir.
// window <= 0 announces synchronously on every change.
func NewPresence(log *slog.Logger, dir *Directory, window time.Duration, metrics *Metrics) *Presence {
	if log == nil {
		log = slog.Default()
	}
	p := &Presence{
		log:     log,
		dir:     dir,
		window:  window,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	dir.OnChange(func(DirectoryEvent) { p.Trigger() })
	return p
}

// Trigger schedules an announcement. Calls within a pending window are absorbed.
func (p *Presence) Trigger() {
	if p == nil {
		return
	}
	if p.window <= 0 {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.Announce()
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.window, p.fire)
}

func (p *Presence) fire() {
	p.mu.Lock()
	p.timer = nil
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		p.Announce()
	}
}

// Announce sends the current snapshot to every live connection and returns how many
// connections accepted it. Full queues are skipped.
func (p *Presence) Announce() int {
	if p == nil {
		return 0
	}
	users := p.dir.OnlineUsers()
	conns := p.dir.Connections()
	env := newEnvelope(v1.TypeOnlineUsers, v1.OnlineUsersPayload{Users: users}, p.now())

	delivered := 0
	for _, c := range conns {
		if c.Deliver(env) {
			delivered++
			continue
		}
		p.metrics.drop(v1.TypeOnlineUsers)
		p.log.Warn("presence.deliver.drop", "user_id", c.UserID, "session_id", c.SessionID)
	}

	p.metrics.announced()
	p.metrics.setPresence(len(conns), len(users))
	p.log.Debug("presence.announce", "online", len(users), "connections", len(conns), "delivered", delivered)
	return delivered
}

// Close cancels a pending announcement and ignores later triggers.
func (p *Presence) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
