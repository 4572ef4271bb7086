package realtime

import (
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by creation time, which keeps logs and traces ordered.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}

// NewMessageID returns a ULID used as the server id of a stored message.
func NewMessageID(now time.Time) string {
	return ids.MustULID(now)
}
