package ids

import (
	"testing"
	"time"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: prev=%s id=%s", prev, id)
		}
		prev = id
	}

	got, err := Time(prev)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("embedded time=%v want=%v", got, now)
	}
}
