package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestPaginator_WalksHistoryBackwards(t *testing.T) {
	store := NewInMemoryStore(0)
	for i := 1; i <= 25; i++ {
		mustAppend(t, store, Message{From: "alice", To: "bob", Content: fmt.Sprint(i), Timestamp: int64(1000 + i)})
	}
	p := NewPaginator(store, nil)
	ctx := context.Background()

	first, err := p.Page(ctx, "bob", "alice", nil, 10)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	assertContents(t, first.Messages, 16, 25)
	if first.NextCursor == nil || *first.NextCursor != 1016 {
		t.Fatalf("page 1 cursor: %v", first.NextCursor)
	}

	second, err := p.Page(ctx, "bob", "alice", first.NextCursor, 10)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	assertContents(t, second.Messages, 6, 15)
	if second.NextCursor == nil || *second.NextCursor != 1006 {
		t.Fatalf("page 2 cursor: %v", second.NextCursor)
	}

	third, err := p.Page(ctx, "alice", "bob", second.NextCursor, 10)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	assertContents(t, third.Messages, 1, 5)
	if third.NextCursor != nil {
		t.Fatalf("expected exhausted history, got cursor %d", *third.NextCursor)
	}

	// Stateless: repeating a request returns the same page.
	again, err := p.Page(ctx, "bob", "alice", first.NextCursor, 10)
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	assertContents(t, again.Messages, 6, 15)
}

func TestPaginator_ExactMultipleHasNoDanglingCursor(t *testing.T) {
	store := NewInMemoryStore(0)
	for i := 1; i <= 20; i++ {
		mustAppend(t, store, Message{From: "alice", To: "bob", Content: fmt.Sprint(i), Timestamp: int64(i)})
	}
	page, err := NewPaginator(store, nil).Page(context.Background(), "alice", "bob", nil, 0)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Messages) != DefaultPageLimit || page.NextCursor != nil {
		t.Fatalf("expected %d messages and no cursor, got %d cursor=%v", DefaultPageLimit, len(page.Messages), page.NextCursor)
	}
}

func TestPaginator_EmptyConversation(t *testing.T) {
	page, err := NewPaginator(NewInMemoryStore(0), nil).Page(context.Background(), "alice", "bob", nil, 5)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.Messages == nil || len(page.Messages) != 0 || page.NextCursor != nil {
		t.Fatalf("unexpected empty page: %+v", page)
	}
}

func TestPaginator_InvalidInput(t *testing.T) {
	p := NewPaginator(NewInMemoryStore(0), nil)
	zero := int64(0)

	if _, err := p.Page(context.Background(), "alice", "", nil, 5); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty peer: %v", err)
	}
	if _, err := p.Page(context.Background(), "alice", "bob", &zero, 5); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("zero cursor: %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{-1: DefaultPageLimit, 0: DefaultPageLimit, 1: 1, 100: 100, 101: MaxPageLimit, 5000: MaxPageLimit}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d)=%d want %d", in, got, want)
		}
	}
}

func assertContents(t *testing.T, msgs []Message, from, to int) {
	t.Helper()
	if len(msgs) != to-from+1 {
		t.Fatalf("expected %d messages, got %d", to-from+1, len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprint(from + i); m.Content != want {
			t.Fatalf("message %d: content=%q want %q", i, m.Content, want)
		}
	}
}
