package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity/ids"
)

// InMemoryStore is the dev fallback when no durable backend is configured.
// It also backs FileStore, which snapshots it to disk.
type InMemoryStore struct {
	retention int

	mu     sync.Mutex
	convs  map[ConversationKey]*memConv
	unread map[string]map[string]int // recipient -> sender -> count
}

type memConv struct {
	dedupe map[string]Message // from + "\x00" + client_id -> stored message
	msgs   []Message          // ordered by timestamp
}

// NewInMemoryStore constructs an in-memory Store. retention <= 0 uses DefaultRetention.
func NewInMemoryStore(retention int) *InMemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryStore{
		retention: retention,
		convs:     make(map[ConversationKey]*memConv),
		unread:    make(map[string]map[string]int),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func dedupeKey(from, clientID string) string { return from + "\x00" + clientID }

// Append persists msg with clientId idempotency and strictly increasing timestamps.
func (s *InMemoryStore) Append(ctx context.Context, msg Message) (AppendResult, error) {
	if msg.From == "" || msg.To == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.Key()
	c := s.convs[key]
	if c == nil {
		c = &memConv{dedupe: make(map[string]Message)}
		s.convs[key] = c
	}

	if msg.ClientID != "" {
		if existing, ok := c.dedupe[dedupeKey(msg.From, msg.ClientID)]; ok {
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
	}

	if n := len(c.msgs); n > 0 {
		msg.Timestamp = nextTimestamp(msg.Timestamp, c.msgs[n-1].Timestamp)
	}
	if msg.ID == "" {
		id, err := ids.NewULID(time.UnixMilli(msg.Timestamp))
		if err != nil {
			return AppendResult{}, err
		}
		msg.ID = id
	}

	c.msgs = append(c.msgs, msg)
	if msg.ClientID != "" {
		c.dedupe[dedupeKey(msg.From, msg.ClientID)] = msg
	}

	if over := len(c.msgs) - s.retention; over > 0 {
		for _, old := range c.msgs[:over] {
			if old.ClientID != "" {
				delete(c.dedupe, dedupeKey(old.From, old.ClientID))
			}
		}
		c.msgs = append([]Message(nil), c.msgs[over:]...)
	}

	return AppendResult{Stored: msg}, nil
}

// ReadRange returns the newest in.Limit messages older than in.Before, ascending.
func (s *InMemoryStore) ReadRange(ctx context.Context, in ReadRangeInput) ([]Message, error) {
	if in.Key == "" {
		return nil, errors.New("missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.Key]
	if c == nil {
		return nil, nil
	}
	return sliceRange(c.msgs, in.Before, in.Limit), nil
}

// sliceRange selects from msgs (ascending by timestamp) and returns a copy.
func sliceRange(msgs []Message, before *int64, limit int) []Message {
	end := len(msgs)
	if before != nil {
		b := *before
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp >= b })
	}
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	if start >= end {
		return nil
	}
	return append([]Message(nil), msgs[start:end]...)
}

// DeleteConversation drops every message of key.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, key ConversationKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.convs, key)
	s.mu.Unlock()
	return nil
}

// ListConversations returns userID's conversations, most recent activity first.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationSummary, 0)
	for key, c := range s.convs {
		if len(c.msgs) == 0 {
			continue
		}
		a, b := key.Participants()
		if a != userID && b != userID {
			continue
		}
		out = append(out, ConversationSummary{
			Peer:        key.Peer(userID),
			LastMessage: c.msgs[len(c.msgs)-1],
			Count:       len(c.msgs),
		})
	}
	sortSummaries(out)
	return out, nil
}

func sortSummaries(out []ConversationSummary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessage.Timestamp != out[j].LastMessage.Timestamp {
			return out[i].LastMessage.Timestamp > out[j].LastMessage.Timestamp
		}
		return strings.Compare(out[i].Peer, out[j].Peer) < 0
	})
}

// GetUnread returns a copy of userID's counters.
func (s *InMemoryStore) GetUnread(ctx context.Context, userID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.unread[userID]))
	for peer, n := range s.unread[userID] {
		out[peer] = n
	}
	return out, nil
}

// SetUnread stores count for (userID, peer). Zero is kept as an explicit entry.
func (s *InMemoryStore) SetUnread(ctx context.Context, userID, peer string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.unread[userID]
	if m == nil {
		m = make(map[string]int)
		s.unread[userID] = m
	}
	m[peer] = count
	return nil
}

// ClearUnread removes the (userID, peer) entry.
func (s *InMemoryStore) ClearUnread(ctx context.Context, userID, peer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.unread[userID]; m != nil {
		delete(m, peer)
		if len(m) == 0 {
			delete(s.unread, userID)
		}
	}
	return nil
}
