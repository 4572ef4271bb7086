package realtime

import (
	"context"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"
)

// Totals is a recipient's unread state. Total always equals the sum of ByPeer.
type Totals struct {
	ByPeer map[string]int `json:"byPeer"`
	Total  int            `json:"total"`
}

// Payload converts t to its wire form.
func (t Totals) Payload() v1.UnreadCountsPayload {
	return v1.UnreadCountsPayload{ByPeer: t.ByPeer, Total: t.Total}
}

func totalsFrom(m map[string]int) Totals {
	t := Totals{ByPeer: make(map[string]int, len(m))}
	for peer, n := range m {
		if n < 0 {
			n = 0
		}
		t.ByPeer[peer] = n
		t.Total += n
	}
	return t
}

// Ledger owns unread counters on top of an UnreadStore.
// Read-modify-write is serialized per recipient.
type Ledger struct {
	store UnreadStore
	locks *KeyedMutex
}

// NewLedger constructs a Ledger over store.
func NewLedger(store UnreadStore) *Ledger {
	return &Ledger{store: store, locks: NewKeyedMutex()}
}

// Increment adds one unread message from sender to recipient.
func (l *Ledger) Increment(ctx context.Context, recipient, sender string) (Totals, error) {
	unlock := l.locks.Lock(recipient)
	defer unlock()

	m, err := l.store.GetUnread(ctx, recipient)
	if err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Increment", err)
	}
	n := m[sender] + 1
	if err := l.store.SetUnread(ctx, recipient, sender, n); err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Increment", err)
	}
	m[sender] = n
	return totalsFrom(m), nil
}

// Reset zeroes the (recipient, sender) counter, keeping an explicit zero entry.
func (l *Ledger) Reset(ctx context.Context, recipient, sender string) (Totals, error) {
	unlock := l.locks.Lock(recipient)
	defer unlock()

	if err := l.store.SetUnread(ctx, recipient, sender, 0); err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Reset", err)
	}
	m, err := l.store.GetUnread(ctx, recipient)
	if err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Reset", err)
	}
	return totalsFrom(m), nil
}

// Forget removes the (recipient, peer) entry entirely.
func (l *Ledger) Forget(ctx context.Context, recipient, peer string) (Totals, error) {
	unlock := l.locks.Lock(recipient)
	defer unlock()

	if err := l.store.ClearUnread(ctx, recipient, peer); err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Forget", err)
	}
	m, err := l.store.GetUnread(ctx, recipient)
	if err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.Forget", err)
	}
	return totalsFrom(m), nil
}

// TotalsOf returns recipient's current counters.
func (l *Ledger) TotalsOf(ctx context.Context, recipient string) (Totals, error) {
	m, err := l.store.GetUnread(ctx, recipient)
	if err != nil {
		return Totals{}, persistenceFailure("realtime.Ledger.TotalsOf", err)
	}
	return totalsFrom(m), nil
}
