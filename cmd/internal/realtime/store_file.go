package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore is an InMemoryStore persisted to a single JSON file after every mutation.
// The file layout is {"conversations": {key: [message]}, "unread": {user: {peer: n}}}.
type FileStore struct {
	*InMemoryStore

	path string
	mu   sync.Mutex // serializes mutate + save
}

type fileSnapshot struct {
	Conversations map[string][]Message      `json:"conversations"`
	Unread        map[string]map[string]int `json:"unread"`
}

// OpenFileStore loads path (a missing file starts empty) and returns the store.
func OpenFileStore(path string, retention int) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("realtime: empty store path")
	}
	s := &FileStore{InMemoryStore: NewInMemoryStore(retention), path: path}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("realtime: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return s, nil
	}

	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("realtime: decode %s: %w", path, err)
	}
	s.restore(snap)
	return s, nil
}

// restore loads snap, normalizing order, timestamps and retention.
func (s *InMemoryStore) restore(snap fileSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, msgs := range snap.Conversations {
		if len(msgs) == 0 {
			continue
		}
		msgs = append([]Message(nil), msgs...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
		for i := 1; i < len(msgs); i++ {
			msgs[i].Timestamp = nextTimestamp(msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
		if over := len(msgs) - s.retention; over > 0 {
			msgs = msgs[over:]
		}

		c := &memConv{dedupe: make(map[string]Message), msgs: msgs}
		for i := range c.msgs {
			m := &c.msgs[i]
			if m.ID == "" {
				m.ID = NewMessageID(timeFromMillis(m.Timestamp))
			}
			if m.ClientID != "" {
				c.dedupe[dedupeKey(m.From, m.ClientID)] = *m
			}
		}
		s.convs[ConversationKey(k)] = c
	}

	for user, byPeer := range snap.Unread {
		m := make(map[string]int, len(byPeer))
		for peer, n := range byPeer {
			if n < 0 {
				n = 0
			}
			m[peer] = n
		}
		s.unread[user] = m
	}
}

func (s *InMemoryStore) snapshot() fileSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := fileSnapshot{
		Conversations: make(map[string][]Message, len(s.convs)),
		Unread:        make(map[string]map[string]int, len(s.unread)),
	}
	for k, c := range s.convs {
		if len(c.msgs) > 0 {
			snap.Conversations[string(k)] = append([]Message(nil), c.msgs...)
		}
	}
	for user, byPeer := range s.unread {
		m := make(map[string]int, len(byPeer))
		for peer, n := range byPeer {
			m[peer] = n
		}
		snap.Unread[user] = m
	}
	return snap
}

// convState copies key's messages and dedupe index; nil when the conversation is absent.
func (s *InMemoryStore) convState(key ConversationKey) *memConv {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[key]
	if c == nil {
		return nil
	}
	cp := &memConv{
		dedupe: make(map[string]Message, len(c.dedupe)),
		msgs:   append([]Message(nil), c.msgs...),
	}
	for k, m := range c.dedupe {
		cp.dedupe[k] = m
	}
	return cp
}

// restoreConv puts back a state taken by convState, evicted messages included.
func (s *InMemoryStore) restoreConv(key ConversationKey, saved *memConv) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if saved == nil {
		delete(s.convs, key)
		return
	}
	s.convs[key] = saved
}

func (s *InMemoryStore) unreadEntry(userID, peer string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.unread[userID][peer]
	return n, ok
}

func (s *InMemoryStore) restoreUnread(userID, peer string, n int, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.unread[userID]
	if !present {
		if m != nil {
			delete(m, peer)
			if len(m) == 0 {
				delete(s.unread, userID)
			}
		}
		return
	}
	if m == nil {
		m = make(map[string]int)
		s.unread[userID] = m
	}
	m[peer] = n
}

// save writes the snapshot atomically (temp file + rename).
func (s *FileStore) save() error {
	b, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Append persists msg and saves. A failed save restores the conversation as it was,
// including any message the append evicted.
func (s *FileStore) Append(ctx context.Context, msg Message) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.Key()
	before := s.convState(key)

	res, err := s.InMemoryStore.Append(ctx, msg)
	if err != nil || res.Duplicated {
		return res, err
	}
	if err := s.save(); err != nil {
		s.restoreConv(key, before)
		return AppendResult{}, fmt.Errorf("realtime: save %s: %w", s.path, err)
	}
	return res, nil
}

// DeleteConversation drops key and saves.
func (s *FileStore) DeleteConversation(ctx context.Context, key ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.convState(key)
	if err := s.InMemoryStore.DeleteConversation(ctx, key); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.restoreConv(key, before)
		return fmt.Errorf("realtime: save %s: %w", s.path, err)
	}
	return nil
}

// SetUnread stores the counter and saves.
func (s *FileStore) SetUnread(ctx context.Context, userID, peer string, count int) error {
	return s.mutateUnread(userID, peer, func() error {
		return s.InMemoryStore.SetUnread(ctx, userID, peer, count)
	})
}

// ClearUnread removes the counter and saves.
func (s *FileStore) ClearUnread(ctx context.Context, userID, peer string) error {
	return s.mutateUnread(userID, peer, func() error {
		return s.InMemoryStore.ClearUnread(ctx, userID, peer)
	})
}

// mutateUnread applies fn and saves; the (userID, peer) entry is reverted if the save fails.
func (s *FileStore) mutateUnread(userID, peer string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, present := s.unreadEntry(userID, peer)
	if err := fn(); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.restoreUnread(userID, peer, n, present)
		return fmt.Errorf("realtime: save %s: %w", s.path, err)
	}
	return nil
}

// Close flushes a final snapshot.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}
