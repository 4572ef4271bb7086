package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000

	// Max client correlation token length (bytes).
	maxClientIDBytes = 128

	// Messages retained per conversation; older entries are evicted.
	DefaultRetention = 5000
)

const (
	// Heartbeat defaults: ping every 25s, a pong must arrive within 20s.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 20 * time.Second

	// Presence broadcasts arriving within this window collapse into one.
	presenceDebounce = 350 * time.Millisecond

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
