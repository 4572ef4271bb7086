package realtime

import (
	"context"
	"strings"

	"github.com/luckysmithlee/im-next/cmd/identity"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page is one history window, ascending by timestamp.
// NextCursor is the timestamp to pass as before for the next older page; nil when exhausted.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor *int64    `json:"nextCursor"`
}

// ClampLimit applies the default and upper bound to a requested page size.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultPageLimit
	}
	if n > MaxPageLimit {
		return MaxPageLimit
	}
	return n
}

// Paginator serves reverse-chronological history pages. It keeps no state between calls.
type Paginator struct {
	store   MessageStore
	metrics *Metrics
}

// NewPaginator constructs a Paginator over store.
func NewPaginator(store MessageStore, metrics *Metrics) *Paginator {
	return &Paginator{store: store, metrics: metrics}
}

// Page returns the newest limit messages between a and b older than before.
func (p *Paginator) Page(ctx context.Context, a, b string, before *int64, limit int) (Page, error) {
	const op = "realtime.Paginator.Page"

	b = strings.TrimSpace(b)
	if identity.ValidateUserID(a) != nil || identity.ValidateUserID(b) != nil {
		return Page{}, invalidRequest(op, "invalid peer")
	}
	if before != nil && *before <= 0 {
		return Page{}, invalidRequest(op, "invalid cursor")
	}
	limit = ClampLimit(limit)

	// One extra row tells whether anything older remains.
	msgs, err := p.store.ReadRange(ctx, ReadRangeInput{Key: KeyFor(a, b), Before: before, Limit: limit + 1})
	if err != nil {
		return Page{}, persistenceFailure(op, err)
	}

	page := Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[len(msgs)-limit:]
		oldest := page.Messages[0].Timestamp
		page.NextCursor = &oldest
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	p.metrics.page()
	return page, nil
}
