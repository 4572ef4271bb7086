package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity"
	"github.com/luckysmithlee/im-next/cmd/internal/realtime"
	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func devConfig() Config {
	cfg := DefaultConfig()
	cfg.Env = "dev"
	cfg.Auth.MockTokens = true
	cfg.Realtime.PresenceDebounce = -1
	return cfg
}

// startApp serves a memory-backed App on a loopback port.
func startApp(t *testing.T, cfg Config) string {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, cfg, log)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	return "http://" + ln.Addr().String()
}

func httpGet(t *testing.T, url, tok string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(body)
}

func TestApp_ServesHTTPSurface(t *testing.T) {
	base := startApp(t, devConfig())

	if status, body := httpGet(t, base+"/healthz", ""); status != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", status, body)
	}
	if status, _ := httpGet(t, base+"/readyz", ""); status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}

	status, body := httpGet(t, base+"/api/me", identity.MockToken("user1"))
	if status != http.StatusOK || !strings.Contains(body, `"id":"user1"`) {
		t.Fatalf("me: %d %s", status, body)
	}
	if status, _ := httpGet(t, base+"/api/me", ""); status != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", status)
	}

	status, body = httpGet(t, base+"/metrics", "")
	if status != http.StatusOK || !strings.Contains(body, "imnext_realtime_connections") {
		t.Fatalf("metrics: %d (missing realtime gauges)", status)
	}
}

func httpPost(t *testing.T, url, tok, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() { _ = res.Body.Close() }()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(out)
}

func TestApp_StrictRecipientCheck(t *testing.T) {
	cfg := devConfig()
	cfg.Auth.RecipientCheck = RecipientCheckStrict
	base := startApp(t, cfg)
	tok := identity.MockToken("user1")

	status, body := httpPost(t, base+"/api/messages/ghost", tok, `{"content":"anyone there?"}`)
	if status != http.StatusBadRequest || !strings.Contains(body, "unknown_recipient") {
		t.Fatalf("send to unknown user: %d %s", status, body)
	}
	// Mock users are seeded into the registry.
	if status, body := httpPost(t, base+"/api/messages/user2", tok, `{"content":"hi"}`); status != http.StatusCreated {
		t.Fatalf("send to known user: %d %s", status, body)
	}
}

func TestApp_ReadinessRequiresDurableStore(t *testing.T) {
	cfg := devConfig()
	cfg.HTTP.ReadinessRequireDurable = true
	base := startApp(t, cfg)

	if status, _ := httpGet(t, base+"/readyz", ""); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz with memory store: %d", status)
	}
}

func TestApp_WebsocketDelivery(t *testing.T) {
	base := startApp(t, devConfig())

	alice := dialApp(t, base, "user1")
	bob := dialApp(t, base, "user2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The initial unread push means bob is registered.
	readUntil(ctx, t, bob, v1.TypeUnreadCounts)

	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePrivateMessage,
		ID:      realtime.NewEnvelopeID(time.Now()),
		TS:      time.Now().UTC(),
		Payload: mustRaw(t, v1.SendPrivateMessagePayload{To: "user2", Content: "hello", ClientID: "c-1"}),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := alice.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readUntil(ctx, t, bob, v1.TypePrivateMessage)
	var p v1.PrivateMessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.From != "user1" || p.Content != "hello" || p.Timestamp <= 0 {
		t.Fatalf("unexpected message: %+v", p)
	}
}

func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func dialApp(t *testing.T, base, user string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", "http://localhost")
	h.Set("Authorization", "Bearer "+identity.MockToken(user))

	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{realtime.WSSubprotocolV1},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestNew_RejectsInsecureConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.MockTokens = true // prod

	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected security policy error")
	}
}
