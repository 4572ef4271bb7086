package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity"
	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestWSGateway_UnauthorizedRejected(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{})

	for name, tok := range map[string]string{"missing": "", "invalid": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := dialWS(t, ts.URL, "", tok)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatalf("expected unauthorized handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected 401, got status=%d err=%v", status, err)
			}
		})
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{OriginRequired: true, AllowedOrigins: []string{"http://localhost"}})

	_, resp, err := dialWS(t, ts.URL, "https://evil.example", identity.MockToken("user1"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, err=%v", err)
	}

	conn, resp, err := dialWS(t, ts.URL, "http://localhost", identity.MockToken("user1"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin dial failed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_PrivateMessageEndToEnd(t *testing.T) {
	svc, ts := startGateway(t, GatewayConfig{})

	alice := mustDial(t, ts.URL, identity.MockToken("user1"))
	bob := mustDial(t, ts.URL, identity.MockToken("user2"))

	// Every session starts with its unread totals.
	initial := readUntilType(t, bob, v1.TypeUnreadCounts, 4)
	var counts v1.UnreadCountsPayload
	mustDecode(t, initial.Payload, &counts)
	if counts.Total != 0 {
		t.Fatalf("unexpected initial unread: %+v", counts)
	}

	online := readUntilType(t, alice, v1.TypeOnlineUsers, 6)
	var users v1.OnlineUsersPayload
	mustDecode(t, online.Payload, &users)
	waitOnline(t, svc, "user1", "user2")

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePrivateMessage,
		ID:   "send-1",
		TS:   time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.SendPrivateMessagePayload{
			To:       "user2",
			Content:  "hello bob",
			ClientID: "client-msg-1",
		}),
	})

	got := readUntilType(t, bob, v1.TypePrivateMessage, 8)
	var msg v1.PrivateMessagePayload
	mustDecode(t, got.Payload, &msg)
	if msg.From != "user1" || msg.To != "user2" || msg.Content != "hello bob" || msg.Timestamp == 0 {
		t.Fatalf("unexpected delivered message: %+v", msg)
	}

	pushed := readUntilType(t, bob, v1.TypeUnreadCounts, 4)
	mustDecode(t, pushed.Payload, &counts)
	if counts.Total != 1 || counts.ByPeer["user1"] != 1 {
		t.Fatalf("unexpected unread push: %+v", counts)
	}

	ack := readUntilType(t, alice, v1.TypePrivateMessage, 8)
	var ackMsg v1.PrivateMessagePayload
	mustDecode(t, ack.Payload, &ackMsg)
	if ackMsg.ClientID != "client-msg-1" || ackMsg.ID != msg.ID {
		t.Fatalf("ack mismatch: ack=%+v delivered=%+v", ackMsg, msg)
	}

	writeEnvelopeWS(t, bob, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMarkRead,
		ID:      "read-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.MarkReadPayload{Peer: "user1"}),
	})
	cleared := readUntilType(t, bob, v1.TypeUnreadCounts, 4)
	mustDecode(t, cleared.Payload, &counts)
	if counts.Total != 0 {
		t.Fatalf("expected cleared unread, got %+v", counts)
	}

	page, err := svc.History.Page(context.Background(), "user2", "user1", nil, 0)
	if err != nil || len(page.Messages) != 1 {
		t.Fatalf("expected persisted message, got %+v err=%v", page, err)
	}
}

func TestWSGateway_InvalidMessageErrorToOriginOnly(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{})
	alice := mustDial(t, ts.URL, identity.MockToken("user1"))

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePrivateMessage,
		ID:      "send-empty",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.SendPrivateMessagePayload{To: "user2", Content: "   ", ClientID: "c-empty"}),
	})

	env := readUntilType(t, alice, v1.TypeError, 6)
	var p v1.ErrorPayload
	mustDecode(t, env.Payload, &p)
	if p.Code != "invalid_message" || p.ClientID != "c-empty" {
		t.Fatalf("unexpected error payload: %+v", p)
	}
}

func TestWSGateway_TokenFromQuery(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{})

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {identity.MockToken("user3")}}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{Subprotocols: []string{WSSubprotocolV1}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	_ = readUntilType(t, conn, v1.TypeUnreadCounts, 4)
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{RateEvents: 2, RateWindow: time.Minute})
	conn := mustDial(t, ts.URL, identity.MockToken("user1"))

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, conn, v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeActivePeer,
			ID:      "ap",
			TS:      time.Now().UTC(),
			Payload: mustJSONRaw(t, v1.ActivePeerPayload{Peer: "user2"}),
		})
	}

	env := readUntilType(t, conn, v1.TypeError, 10)
	var p v1.ErrorPayload
	mustDecode(t, env.Payload, &p)
	if p.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", p)
	}
}

func TestWSGateway_DisconnectDeregisters(t *testing.T) {
	svc, ts := startGateway(t, GatewayConfig{})
	conn := mustDial(t, ts.URL, identity.MockToken("user1"))
	waitOnline(t, svc, "user1")

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for svc.Directory.IsOnline("user1") {
		if time.Now().After(deadline) {
			t.Fatalf("user1 still online after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_BadJSONCountsAgainstRateLimit(t *testing.T) {
	_, ts := startGateway(t, GatewayConfig{RateEvents: 2, RateWindow: time.Minute})
	conn := mustDial(t, ts.URL, identity.MockToken("user1"))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		cancel()
		if err != nil {
			t.Fatalf("conn.Write: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		env := readUntilType(t, conn, v1.TypeError, 4)
		var p v1.ErrorPayload
		mustDecode(t, env.Payload, &p)
		switch p.Code {
		case "rate_limited":
			return
		case "bad_json":
		default:
			t.Fatalf("unexpected error code: %+v", p)
		}
	}
	t.Fatalf("malformed frames were never rate limited")
}

func TestWSGateway_SilentClientStaysOnline(t *testing.T) {
	svc, ts := startGateway(t, GatewayConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
	})

	// Only receives; pongs are answered by the running reader.
	conn := mustDial(t, ts.URL, identity.MockToken("user1"))
	events := pumpEnvelopes(conn)
	waitOnline(t, svc, "user1")

	time.Sleep(1200 * time.Millisecond)
	if !svc.Directory.IsOnline("user1") {
		t.Fatalf("heartbeat-healthy client without traffic was disconnected")
	}

	for {
		select {
		case env, ok := <-events:
			if !ok {
				t.Fatalf("connection closed while idle")
			}
			if env.Type == v1.TypeError {
				t.Fatalf("unexpected error envelope: %s", env.Payload)
			}
			continue
		default:
		}
		break
	}
}

func TestWSGateway_MissedPongDeregisters(t *testing.T) {
	svc, ts := startGateway(t, GatewayConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
	})

	watcher := mustDial(t, ts.URL, identity.MockToken("user2"))
	events := pumpEnvelopes(watcher)
	waitOnline(t, svc, "user2")

	// Never read: pings go unanswered.
	_ = mustDial(t, ts.URL, identity.MockToken("user1"))
	waitOnline(t, svc, "user1")

	deadline := time.Now().Add(3 * time.Second)
	for svc.Directory.IsOnline("user1") {
		if time.Now().After(deadline) {
			t.Fatalf("user1 still online after missed pongs")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !svc.Directory.IsOnline("user2") {
		t.Fatalf("responsive client was disconnected")
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-events:
			if !ok {
				t.Fatalf("watcher connection closed")
			}
			if env.Type != v1.TypeOnlineUsers {
				continue
			}
			var p v1.OnlineUsersPayload
			mustDecode(t, env.Payload, &p)
			if len(p.Users) == 1 && p.Users[0] == "user2" {
				return
			}
		case <-timeout:
			t.Fatalf("no online_users announcement without user1")
		}
	}
}

// ---- helpers ----

// pumpEnvelopes keeps a reader running on conn so control frames are answered.
func pumpEnvelopes(conn *websocket.Conn) <-chan v1.Envelope {
	out := make(chan v1.Envelope, 256)
	go func() {
		defer close(out)
		for {
			_, b, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env v1.Envelope
			if json.Unmarshal(b, &env) != nil {
				continue
			}
			select {
			case out <- env:
			default:
			}
		}
	}()
	return out
}

func startGateway(t *testing.T, cfg GatewayConfig) (*Service, *httptest.Server) {
	t.Helper()

	svc := newTestService(t, NewInMemoryStore(0), ServiceConfig{})
	cfg.RequireSubprotocol = true
	gw, err := NewWSGateway(discardLogger(), svc, identity.NewMockVerifier(identity.DefaultMockUsers()), cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return svc, ts
}

func mustDial(t *testing.T, baseURL, tok string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseURL, "", tok)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func waitOnline(t *testing.T, svc *Service, users ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		all := true
		for _, u := range users {
			if !svc.Directory.IsOnline(u) {
				all = false
			}
		}
		if all {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("users %v not online", users)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{WSSubprotocolV1},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func mustDecode(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}
