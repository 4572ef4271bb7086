package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity"
	"github.com/luckysmithlee/im-next/cmd/security/token"
	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	WSSubprotocolV1 = "imnext.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsDefaultMaxPingFailures = 1

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig carries the websocket policy knobs. Zero values pick secure defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	// RequireSubprotocol rejects clients that do not negotiate WSSubprotocolV1.
	RequireSubprotocol bool

	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPingFailures   int

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    strings.Split(wsDefaultAllowedOrigins, ","),
		WriteTimeout:      wsDefaultWriteTimeout,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		MaxPingFailures:   wsDefaultMaxPingFailures,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint for realtime messaging.
//
// It authenticates the handshake, enforces origin policy, rate limits and heartbeats,
// registers the connection with the Directory and routes validated envelopes to the Router.
type WSGateway struct {
	log      *slog.Logger
	svc      *Service
	verifier identity.Verifier
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Missing config values fall back to defaults.
func NewWSGateway(log *slog.Logger, svc *Service, verifier identity.Verifier, cfg GatewayConfig) (*WSGateway, error) {
	if svc == nil || verifier == nil {
		return nil, errors.New("realtime: gateway requires service and verifier")
	}
	if log == nil {
		log = slog.Default()
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.MaxPingFailures <= 0 {
		cfg.MaxPingFailures = def.MaxPingFailures
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	return &WSGateway{
		log:      log,
		svc:      svc,
		verifier: verifier,
		cfg:      cfg,

		// websocket.Accept enforces its own origin policy (same-host ok, cross-origin needs
		// OriginPatterns). Patterns are derived from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one realtime session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.svc.Metrics.rejected("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	raw := token.FromRequest(r)
	who, err := g.verifier.Verify(r.Context(), raw)
	if err != nil {
		if identity.IsUnavailable(err) {
			g.svc.Metrics.rejected("verifier_unavailable")
			g.log.Warn("ws.auth.unavailable", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		g.svc.Metrics.rejected("unauthorized")
		g.log.Info("ws.reject.auth", "err", err, "token_fp", token.Fingerprint(raw), "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); g.cfg.RequireSubprotocol && sp != WSSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	client := NewClient(who.UserID, NewSessionID(now), g.cfg.SendQueueSize)
	client.Email = who.Email
	log := g.log.With("user_id", client.UserID, "session_id", client.SessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Deregistration happens before client.Close so broadcasters stop targeting the client first.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Directory.Deregister(client.UserID, client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.session.end", "reason", reason)
		})
	}

	g.svc.Directory.Register(client.UserID, client)
	log.Info("ws.session.start", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())

	if totals, err := g.svc.Ledger.TotalsOf(ctx, client.UserID); err == nil {
		client.Deliver(newEnvelope(v1.TypeUnreadCounts, totals.Payload(), now))
	} else {
		log.Warn("ws.unread.initial_fail", "err", err)
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= g.cfg.MaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Reads carry no deadline of their own; liveness belongs to the heartbeat.
readLoop:
	for {
		env, err := readEnvelope(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Counted against the limiter below.
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			// Written directly: the writer goroutine stops as soon as shutdown closes the client.
			_ = writeEnvelope(ctx, conn, errorEnvelope("rate_limited", "too many events", "", time.Now().UTC()), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err != nil {
			g.sendError(client, "bad_json", "invalid JSON", "")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypePrivateMessage:
			g.onPrivateMessage(ctx, client, env)

		case v1.TypeMarkRead:
			g.onMarkRead(ctx, client, env)

		case v1.TypeActivePeer:
			g.onActivePeer(ctx, client, env)

		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onPrivateMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendPrivateMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload", "")
		return
	}

	_, err := g.svc.Router.Send(ctx, client, SendInput{To: p.To, Content: p.Content, ClientID: p.ClientID})
	if err != nil {
		g.sendError(client, ErrorCode(err), publicMessage(err), p.ClientID)
	}
}

func (g *WSGateway) onMarkRead(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload", "")
		return
	}
	if _, err := g.svc.Router.MarkRead(ctx, client.UserID, p.Peer); err != nil {
		g.sendError(client, ErrorCode(err), publicMessage(err), "")
	}
}

func (g *WSGateway) onActivePeer(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ActivePeerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload", "")
		return
	}

	peer := strings.TrimSpace(p.Peer)
	if peer != "" && identity.ValidateUserID(peer) != nil {
		g.sendError(client, "invalid_request", "invalid peer", "")
		return
	}
	client.SetActivePeer(peer)

	// Opening a conversation reads it.
	if peer != "" {
		if _, err := g.svc.Router.MarkRead(ctx, client.UserID, peer); err != nil {
			g.sendError(client, ErrorCode(err), publicMessage(err), "")
		}
	}
}

// publicMessage strips internal causes from errors shown to clients.
func publicMessage(err error) string {
	var op OpError
	if errors.As(err, &op) {
		if op.Msg != "" && !errors.Is(err, ErrPersistence) {
			return op.Msg
		}
		return op.Kind.Error()
	}
	return "internal error"
}

func (g *WSGateway) sendError(client *Client, code, msg, clientID string) {
	if !client.Deliver(errorEnvelope(code, msg, clientID, time.Now().UTC())) {
		g.svc.Metrics.drop(v1.TypeError)
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bad badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
