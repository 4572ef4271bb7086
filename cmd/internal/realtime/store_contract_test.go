package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// storeFactory returns a fresh, empty Store with the given retention.
type storeFactory func(t *testing.T, retention int) Store

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("AppendDedupeByClientID", func(t *testing.T) {
		st := newStore(t, 100)
		ctx := testCtx(t)

		first, err := st.Append(ctx, Message{From: "alice", To: "bob", Content: "hi", Timestamp: 1000, ClientID: "c-1"})
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		if first.Duplicated {
			t.Fatalf("append first: expected Duplicated=false")
		}
		if first.Stored.ID == "" {
			t.Fatalf("append first: expected server id")
		}

		second, err := st.Append(ctx, Message{From: "alice", To: "bob", Content: "hi again", Timestamp: 2000, ClientID: "c-1"})
		if err != nil {
			t.Fatalf("append duplicate: %v", err)
		}
		if !second.Duplicated {
			t.Fatalf("append duplicate: expected Duplicated=true")
		}
		if second.Stored.ID != first.Stored.ID || second.Stored.Timestamp != first.Stored.Timestamp {
			t.Fatalf("append duplicate: got %+v want %+v", second.Stored, first.Stored)
		}
		if second.Stored.Content != "hi" {
			t.Fatalf("append duplicate: content overwritten: %q", second.Stored.Content)
		}

		// Same clientId from the other participant is a different message.
		other, err := st.Append(ctx, Message{From: "bob", To: "alice", Content: "yo", Timestamp: 3000, ClientID: "c-1"})
		if err != nil {
			t.Fatalf("append other sender: %v", err)
		}
		if other.Duplicated {
			t.Fatalf("append other sender: expected new message")
		}

		msgs, err := st.ReadRange(ctx, ReadRangeInput{Key: KeyFor("alice", "bob")})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 stored messages, got %d", len(msgs))
		}
	})

	t.Run("TimestampsStrictlyIncrease", func(t *testing.T) {
		st := newStore(t, 100)
		ctx := testCtx(t)

		var last int64
		for i := 0; i < 5; i++ {
			res, err := st.Append(ctx, Message{From: "alice", To: "bob", Content: fmt.Sprint(i), Timestamp: 5000})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			if res.Stored.Timestamp <= last {
				t.Fatalf("append %d: ts=%d not after %d", i, res.Stored.Timestamp, last)
			}
			last = res.Stored.Timestamp
		}
		if last != 5004 {
			t.Fatalf("expected last ts 5004, got %d", last)
		}
	})

	t.Run("ReadRangeBeforeAndLimit", func(t *testing.T) {
		st := newStore(t, 100)
		ctx := testCtx(t)

		for i := 1; i <= 10; i++ {
			if _, err := st.Append(ctx, Message{From: "bob", To: "alice", Content: fmt.Sprint(i), Timestamp: int64(i * 10)}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		key := KeyFor("alice", "bob")
		newest, err := st.ReadRange(ctx, ReadRangeInput{Key: key, Limit: 3})
		if err != nil {
			t.Fatalf("read newest: %v", err)
		}
		assertTimestamps(t, newest, 80, 90, 100)

		before := int64(50)
		older, err := st.ReadRange(ctx, ReadRangeInput{Key: key, Before: &before, Limit: 3})
		if err != nil {
			t.Fatalf("read before: %v", err)
		}
		assertTimestamps(t, older, 20, 30, 40)

		before = 10
		none, err := st.ReadRange(ctx, ReadRangeInput{Key: key, Before: &before, Limit: 3})
		if err != nil {
			t.Fatalf("read exhausted: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no messages before first, got %d", len(none))
		}
	})

	t.Run("RetentionEvictsOldest", func(t *testing.T) {
		st := newStore(t, 3)
		ctx := testCtx(t)

		for i := 1; i <= 5; i++ {
			if _, err := st.Append(ctx, Message{From: "alice", To: "bob", Content: fmt.Sprint(i), Timestamp: int64(i), ClientID: fmt.Sprintf("c-%d", i)}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		msgs, err := st.ReadRange(ctx, ReadRangeInput{Key: KeyFor("alice", "bob")})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		assertTimestamps(t, msgs, 3, 4, 5)

		// An evicted clientId no longer dedupes, and the new message lands after the newest.
		res, err := st.Append(ctx, Message{From: "alice", To: "bob", Content: "again", Timestamp: 1, ClientID: "c-1"})
		if err != nil {
			t.Fatalf("append evicted client id: %v", err)
		}
		if res.Duplicated {
			t.Fatalf("expected evicted clientId to be accepted as new")
		}
		if res.Stored.Timestamp != 6 {
			t.Fatalf("expected ts 6, got %d", res.Stored.Timestamp)
		}
	})

	t.Run("ListAndDeleteConversations", func(t *testing.T) {
		st := newStore(t, 100)
		ctx := testCtx(t)

		mustAppend(t, st, Message{From: "alice", To: "bob", Content: "1", Timestamp: 100})
		mustAppend(t, st, Message{From: "carol", To: "alice", Content: "2", Timestamp: 200})
		mustAppend(t, st, Message{From: "bob", To: "alice", Content: "3", Timestamp: 300})
		mustAppend(t, st, Message{From: "bob", To: "carol", Content: "x", Timestamp: 400})

		list, err := st.ListConversations(ctx, "alice")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 conversations, got %+v", list)
		}
		if list[0].Peer != "bob" || list[0].Count != 2 || list[0].LastMessage.Content != "3" {
			t.Fatalf("unexpected first summary: %+v", list[0])
		}
		if list[1].Peer != "carol" || list[1].Count != 1 {
			t.Fatalf("unexpected second summary: %+v", list[1])
		}

		if err := st.DeleteConversation(ctx, KeyFor("bob", "alice")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		msgs, err := st.ReadRange(ctx, ReadRangeInput{Key: KeyFor("alice", "bob")})
		if err != nil {
			t.Fatalf("read after delete: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected empty conversation, got %d", len(msgs))
		}
		list, err = st.ListConversations(ctx, "alice")
		if err != nil {
			t.Fatalf("list after delete: %v", err)
		}
		if len(list) != 1 || list[0].Peer != "carol" {
			t.Fatalf("unexpected list after delete: %+v", list)
		}
	})

	t.Run("UnreadCounters", func(t *testing.T) {
		st := newStore(t, 100)
		ctx := testCtx(t)

		if err := st.SetUnread(ctx, "alice", "bob", 3); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := st.SetUnread(ctx, "alice", "carol", 0); err != nil {
			t.Fatalf("set zero: %v", err)
		}
		got, err := st.GetUnread(ctx, "alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got) != 2 || got["bob"] != 3 || got["carol"] != 0 {
			t.Fatalf("unexpected counters: %v", got)
		}

		if err := st.ClearUnread(ctx, "alice", "bob"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		got, err = st.GetUnread(ctx, "alice")
		if err != nil {
			t.Fatalf("get after clear: %v", err)
		}
		if _, ok := got["bob"]; ok || len(got) != 1 {
			t.Fatalf("unexpected counters after clear: %v", got)
		}

		empty, err := st.GetUnread(ctx, "nobody")
		if err != nil {
			t.Fatalf("get unknown: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("expected no counters, got %v", empty)
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAppend(t *testing.T, st MessageStore, m Message) Message {
	t.Helper()
	res, err := st.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("append %+v: %v", m, err)
	}
	return res.Stored
}

func assertTimestamps(t *testing.T, msgs []Message, want ...int64) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Timestamp != want[i] {
			t.Fatalf("message %d: ts=%d want %d", i, m.Timestamp, want[i])
		}
	}
}
