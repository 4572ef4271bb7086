// Package main provides a CI-friendly WebSocket smoke test for the im-next realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - initial unread_counts push on connect
//   - private_message fan-out to the recipient and ack to the sender
//   - unread increment and mark_read reset
//   - idempotent dedupe by clientId
//   - HTTP history contains the message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"

	"github.com/coder/websocket"
	flag "github.com/spf13/pflag"
)

const (
	defaultSubprotocol = "imnext.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3001/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "user1", "Sender user id")
		userB   = flag.String("user-b", "user2", "Recipient user id")
		tokenA  = flag.String("token-a", "", "Bearer token for user-a (default: dev mock token)")
		tokenB  = flag.String("token-b", "", "Bearer token for user-b (default: dev mock token)")
		text    = flag.String("text", "hello im-next 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.BoolP("verbose", "v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}
	if *tokenA == "" {
		*tokenA = "mock_jwt_" + *userA + "_smoke"
	}
	if *tokenB == "" {
		*tokenB = "mock_jwt_" + *userB + "_smoke"
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	clientID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	sent := mustSendAndAssertAck(root, a, b.userID, clientID, *text, *timeout)
	mustAssertDelivered(root, b, sent, *timeout)

	unread := b.mustReadUnread(root, *timeout)
	if unread.ByPeer[a.userID] < 1 {
		fatalf("expected unread for %s, got %+v", a.userID, unread)
	}

	mustWrite(root, b, v1.TypeMarkRead, v1.MarkReadPayload{Peer: a.userID}, *timeout)
	unread = b.mustReadUnread(root, *timeout)
	if unread.ByPeer[a.userID] != 0 {
		fatalf("mark_read did not reset %s: %+v", a.userID, unread)
	}

	dup := mustSendAndAssertAck(root, a, b.userID, clientID, *text, *timeout)
	if dup.Timestamp != sent.Timestamp {
		fatalf("dedupe: timestamp mismatch: first=%d second=%d", sent.Timestamp, dup.Timestamp)
	}
	mustAssertNoType(root, b, v1.TypePrivateMessage, 1200*time.Millisecond)

	mustHistoryContains(root, *wsURL, b, a.userID, sent, *timeout)

	fmt.Printf("OK: %s -> %s ts=%d id=%s client_id=%s\n", a.userID, b.userID, sent.Timestamp, sent.ID, clientID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	// The server pushes totals right after registration.
	c.mustReadUnread(parent, stepTimeout)
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// ambient lists server pushes that may interleave with any step.
var ambient = map[string]struct{}{v1.TypeOnlineUsers: {}, v1.TypeUnreadCounts: {}}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, to, clientID, text string, stepTimeout time.Duration) v1.PrivateMessagePayload {
	mustWrite(parent, c, v1.TypePrivateMessage, v1.SendPrivateMessagePayload{
		To:       to,
		Content:  text,
		ClientID: clientID,
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypePrivateMessage, stepTimeout, ambient)

	var p v1.PrivateMessagePayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal ack payload (%s): %v", c.name, err)
	}
	if p.ClientID != clientID {
		fatalf("ack clientId mismatch (%s): got=%q want=%q", c.name, p.ClientID, clientID)
	}
	if p.From != c.userID || p.To != to {
		fatalf("ack routing mismatch (%s): %s -> %s", c.name, p.From, p.To)
	}
	if p.Timestamp <= 0 {
		fatalf("ack invalid timestamp (%s): %d", c.name, p.Timestamp)
	}
	return p
}

func mustAssertDelivered(parent context.Context, c *smokeClient, want v1.PrivateMessagePayload, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeOnlineUsers: {}}
	env := c.mustReadUntilType(parent, v1.TypePrivateMessage, stepTimeout, skip)

	var p v1.PrivateMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal private_message payload (%s): %v", c.name, err)
	}
	if p != want {
		fatalf("delivered message mismatch (%s): got=%+v want=%+v", c.name, p, want)
	}
}

func (c *smokeClient) mustReadUnread(parent context.Context, stepTimeout time.Duration) v1.UnreadCountsPayload {
	skip := map[string]struct{}{v1.TypeOnlineUsers: {}}
	env := c.mustReadUntilType(parent, v1.TypeUnreadCounts, stepTimeout, skip)

	var p v1.UnreadCountsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal unread_counts payload (%s): %v", c.name, err)
	}
	return p
}

func mustHistoryContains(parent context.Context, wsURL string, c *smokeClient, peer string, want v1.PrivateMessagePayload, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/messages/" + url.PathEscape(peer)
	u.RawQuery = "limit=50"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch (%s): %v", c.name, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		fatalf("history fetch (%s): status %d", c.name, res.StatusCode)
	}

	var page struct {
		Messages []v1.PrivateMessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		fatalf("history decode (%s): %v", c.name, err)
	}
	for _, m := range page.Messages {
		if m.Timestamp == want.Timestamp && m.ClientID == want.ClientID && m.Content == want.Content {
			return
		}
	}
	fatalf("history missing expected message (%s)", c.name)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
