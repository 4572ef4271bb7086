package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"
)

// Client represents one connected websocket session of an authenticated user.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID   string
	UserID      string
	Email       string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	activePeer atomic.Pointer[string]

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Deliver enqueues env without blocking.
// It reports false when the client is shutting down or its queue is full.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// SetActivePeer records the conversation this connection is currently viewing ("" clears).
func (c *Client) SetActivePeer(peer string) {
	if c == nil {
		return
	}
	c.activePeer.Store(&peer)
}

// ActivePeer returns the peer set by SetActivePeer, or "".
func (c *Client) ActivePeer() string {
	if c == nil {
		return ""
	}
	if p := c.activePeer.Load(); p != nil {
		return *p
	}
	return ""
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
