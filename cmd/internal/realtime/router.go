package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/luckysmithlee/im-next/cmd/identity"
	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"
)

// RecipientChecker reports whether a user id belongs to a known account.
// identity.Registry implementations satisfy it.
type RecipientChecker interface {
	Known(ctx context.Context, userID string) (bool, error)
}

// SendInput is a send request as received from a client.
type SendInput struct {
	To       string
	Content  string
	ClientID string
}

// Delivery reports what Send did.
type Delivery struct {
	Message    Message
	Duplicated bool
	Counted    bool // unread incremented for the recipient
	Unread     Totals
	Delivered  int // connections that accepted the message envelope
}

// Router validates, persists and fans out direct messages.
//
// Ordering: persist, unread, fan-out and unread push for one conversation run under that
// conversation's lock, so every connection observes the conversation in persist order.
type Router struct {
	log        *slog.Logger
	store      MessageStore
	ledger     *Ledger
	dir        *Directory
	policy     UnreadPolicy
	recipients RecipientChecker
	metrics    *Metrics
	now        func() time.Time
	maxChars   int

	locks *KeyedMutex
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithUnreadPolicy overrides the default ActivePeerPolicy.
func WithUnreadPolicy(p UnreadPolicy) RouterOption {
	return func(r *Router) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithRecipientChecker rejects recipients the checker does not know.
func WithRecipientChecker(c RecipientChecker) RouterOption {
	return func(r *Router) { r.recipients = c }
}

// WithRouterClock injects the timestamp source.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRouterMetrics attaches collectors.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithMaxMessageChars overrides the content limit (runes).
func WithMaxMessageChars(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxChars = n
		}
	}
}

// NewRouter wires a Router over its collaborators.
func NewRouter(log *slog.Logger, store MessageStore, ledger *Ledger, dir *Directory, opts ...RouterOption) (*Router, error) {
	if store == nil || ledger == nil || dir == nil {
		return nil, errors.New("realtime: router requires store, ledger and directory")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		log:      log,
		store:    store,
		ledger:   ledger,
		dir:      dir,
		policy:   ActivePeerPolicy{},
		now:      func() time.Time { return time.Now().UTC() },
		maxChars: maxMessageChars,
		locks:    NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Send routes a message from a live connection. origin receives the stored message as ack.
func (r *Router) Send(ctx context.Context, origin *Client, in SendInput) (Delivery, error) {
	if origin == nil {
		return Delivery{}, invalidMessage("realtime.Router.Send", "missing origin")
	}
	return r.send(ctx, origin.UserID, origin, in)
}

// SendAs routes a message on behalf of from without an originating connection.
// Every live connection of from receives it.
func (r *Router) SendAs(ctx context.Context, from string, in SendInput) (Delivery, error) {
	return r.send(ctx, from, nil, in)
}

func (r *Router) validate(ctx context.Context, from string, in SendInput) (SendInput, error) {
	const op = "realtime.Router.Send"

	if err := identity.ValidateUserID(from); err != nil {
		return in, invalidMessage(op, "invalid sender")
	}
	in.To = strings.TrimSpace(in.To)
	if err := identity.ValidateUserID(in.To); err != nil {
		return in, invalidMessage(op, "invalid recipient")
	}

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return in, invalidMessage(op, "empty content")
	}
	if utf8.RuneCountInString(in.Content) > r.maxChars {
		return in, invalidMessage(op, fmt.Sprintf("message too long: max=%d chars", r.maxChars))
	}

	in.ClientID = strings.TrimSpace(in.ClientID)
	if len(in.ClientID) > maxClientIDBytes {
		return in, invalidMessage(op, "clientId too long")
	}

	if r.recipients != nil && in.To != from {
		ok, err := r.recipients.Known(ctx, in.To)
		if err != nil {
			return in, persistenceFailure(op, err)
		}
		if !ok {
			return in, OpError{Op: op, Kind: ErrUnknownRecipient, Msg: in.To}
		}
	}
	return in, nil
}

func (r *Router) send(ctx context.Context, from string, origin *Client, in SendInput) (Delivery, error) {
	in, err := r.validate(ctx, from, in)
	if err != nil {
		r.metrics.message("invalid")
		return Delivery{}, err
	}

	key := KeyFor(from, in.To)
	unlock := r.locks.Lock(string(key))
	defer unlock()

	now := r.now()
	res, err := r.store.Append(ctx, Message{
		ID:        NewMessageID(now),
		From:      from,
		To:        in.To,
		Content:   in.Content,
		Timestamp: now.UnixMilli(),
		ClientID:  in.ClientID,
	})
	if err != nil {
		r.metrics.message("persist_failed")
		r.log.Error("router.send.persist_fail", "from", from, "to", in.To, "client_id", in.ClientID, "err", err)
		return Delivery{}, persistenceFailure("realtime.Router.Send", err)
	}

	msg := res.Stored
	env := newEnvelope(v1.TypePrivateMessage, msg.Payload(), now)

	if res.Duplicated {
		// Retry of an already stored message: ack the origin only.
		r.metrics.message("duplicate")
		d := Delivery{Message: msg, Duplicated: true}
		if origin.Deliver(env) {
			d.Delivered = 1
		}
		r.log.Info("router.send.duplicate", "from", from, "to", in.To, "client_id", in.ClientID, "msg_id", msg.ID)
		return d, nil
	}

	d := Delivery{Message: msg}
	recipientConns := r.dir.ConnectionsOf(in.To)

	if in.To != from && !r.policy.Suppress(in.To, from, recipientConns) {
		totals, err := r.ledger.Increment(ctx, in.To, from)
		if err != nil {
			// The message is committed; a lost increment must not block delivery.
			r.log.Error("router.send.unread_fail", "from", from, "to", in.To, "msg_id", msg.ID, "err", err)
		} else {
			d.Counted = true
			d.Unread = totals
		}
		r.metrics.unreadDecision("counted")
	} else {
		r.metrics.unreadDecision("suppressed")
	}

	seen := make(map[*Client]struct{}, len(recipientConns)+2)
	fanout := func(conns []*Client) {
		for _, c := range conns {
			if c == origin {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			if c.Deliver(env) {
				d.Delivered++
			} else {
				r.metrics.drop(v1.TypePrivateMessage)
				r.log.Warn("router.deliver.drop", "user_id", c.UserID, "session_id", c.SessionID, "msg_id", msg.ID)
			}
		}
	}
	fanout(recipientConns)
	fanout(r.dir.ConnectionsOf(from))

	if origin != nil {
		if origin.Deliver(env) {
			d.Delivered++
		} else {
			r.metrics.drop(v1.TypePrivateMessage)
		}
	}

	if !d.Counted {
		if totals, err := r.ledger.TotalsOf(ctx, in.To); err == nil {
			d.Unread = totals
		} else {
			r.log.Warn("router.send.unread_read_fail", "to", in.To, "err", err)
		}
	}
	if d.Unread.ByPeer != nil {
		r.pushUnread(recipientConns, d.Unread, now)
	}

	r.metrics.message("delivered")
	r.log.Info("router.send.ok",
		"from", from,
		"to", in.To,
		"msg_id", msg.ID,
		"ts", msg.Timestamp,
		"counted", d.Counted,
		"delivered", d.Delivered,
	)
	return d, nil
}

// MarkRead resets userID's counter for peer and pushes the new totals to all of
// userID's connections.
func (r *Router) MarkRead(ctx context.Context, userID, peer string) (Totals, error) {
	peer = strings.TrimSpace(peer)
	if err := identity.ValidateUserID(peer); err != nil {
		return Totals{}, invalidRequest("realtime.Router.MarkRead", "invalid peer")
	}
	totals, err := r.ledger.Reset(ctx, userID, peer)
	if err != nil {
		return Totals{}, err
	}
	r.pushUnread(r.dir.ConnectionsOf(userID), totals, r.now())
	return totals, nil
}

// DeleteConversation drops the (userID, peer) thread and both sides' counters.
func (r *Router) DeleteConversation(ctx context.Context, userID, peer string) error {
	const op = "realtime.Router.DeleteConversation"

	peer = strings.TrimSpace(peer)
	if err := identity.ValidateUserID(peer); err != nil {
		return invalidRequest(op, "invalid peer")
	}

	key := KeyFor(userID, peer)
	unlock := r.locks.Lock(string(key))
	defer unlock()

	if err := r.store.DeleteConversation(ctx, key); err != nil {
		return persistenceFailure(op, err)
	}

	now := r.now()
	for _, side := range [][2]string{{userID, peer}, {peer, userID}} {
		totals, err := r.ledger.Forget(ctx, side[0], side[1])
		if err != nil {
			return err
		}
		r.pushUnread(r.dir.ConnectionsOf(side[0]), totals, now)
		if side[0] == side[1] {
			break
		}
	}

	r.log.Info("router.conversation.delete", "user_id", userID, "peer", peer)
	return nil
}

// PushUnread sends userID's current totals to its connections.
func (r *Router) PushUnread(ctx context.Context, userID string) (Totals, error) {
	totals, err := r.ledger.TotalsOf(ctx, userID)
	if err != nil {
		return Totals{}, err
	}
	r.pushUnread(r.dir.ConnectionsOf(userID), totals, r.now())
	return totals, nil
}

func (r *Router) pushUnread(conns []*Client, totals Totals, now time.Time) {
	if len(conns) == 0 {
		return
	}
	env := newEnvelope(v1.TypeUnreadCounts, totals.Payload(), now)
	for _, c := range conns {
		if !c.Deliver(env) {
			r.metrics.drop(v1.TypeUnreadCounts)
			r.log.Warn("router.unread.drop", "user_id", c.UserID, "session_id", c.SessionID)
		}
	}
}
