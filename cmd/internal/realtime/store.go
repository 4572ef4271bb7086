package realtime

import (
	"context"
	"time"
)

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - Idempotency per (conversation, from, client_id): a retried append returns the stored message
//   - Timestamps strictly increasing per conversation (max(proposed, last+1))
//   - Retention bounded per conversation; evicted messages never return
//   - ReadRange ordered by timestamp ASC
type MessageStore interface {
	Append(ctx context.Context, msg Message) (AppendResult, error)
	ReadRange(ctx context.Context, in ReadRangeInput) ([]Message, error)
	DeleteConversation(ctx context.Context, key ConversationKey) error
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	Close() error
}

// UnreadStore persists per-(recipient, sender) unread counters.
type UnreadStore interface {
	GetUnread(ctx context.Context, userID string) (map[string]int, error)
	SetUnread(ctx context.Context, userID, peer string, count int) error
	ClearUnread(ctx context.Context, userID, peer string) error
}

// Store is a backend serving both messages and unread counters.
type Store interface {
	MessageStore
	UnreadStore
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// ReadRangeInput selects the newest Limit messages strictly older than Before (nil = newest).
type ReadRangeInput struct {
	Key    ConversationKey
	Before *int64
	Limit  int
}

// nextTimestamp keeps per-conversation timestamps strictly increasing.
func nextTimestamp(proposed, last int64) int64 {
	if proposed <= last {
		return last + 1
	}
	return proposed
}

func timeFromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
