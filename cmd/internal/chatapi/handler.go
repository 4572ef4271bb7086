// Package chatapi serves the HTTP side of the messaging service: history pages, the HTTP
// write path, unread totals and diagnostics. Realtime delivery lives in package realtime.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity"
	"github.com/luckysmithlee/im-next/cmd/internal/realtime"
	"github.com/luckysmithlee/im-next/cmd/security/token"
)

// Handler wires HTTP endpoints to the realtime service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *realtime.Service
	verifier identity.Verifier
	limits   *userLimits
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *realtime.Service, verifier identity.Verifier, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		limits:   newUserLimits(cfg.SendRateEvents, cfg.SendRateWindow),
		now:      time.Now,
	}, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/me", h.handleMe)
	mux.HandleFunc("GET /api/messages/{peer}", h.handleHistory)
	mux.HandleFunc("POST /api/messages/{peer}", h.handleSend)
	mux.HandleFunc("GET /api/unread", h.handleUnread)
	mux.HandleFunc("POST /api/read/{peer}", h.handleRead)
	mux.HandleFunc("GET /api/conversations", h.handleConversations)
	mux.HandleFunc("DELETE /api/conversations/{peer}", h.handleDeleteConversation)
	mux.HandleFunc("GET /api/online-stats", h.handleOnlineStats)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{ID: id.UserID, Email: id.Email})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	peer := strings.TrimSpace(r.PathValue("peer"))

	q := r.URL.Query()
	var before *int64
	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid before cursor")
			return
		}
		before = &v
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = v
	}

	page, err := h.svc.History.Page(r.Context(), id.UserID, peer, before, limit)
	if err != nil {
		h.writeServiceError(w, r, "api.history.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Peer:       peer,
		Before:     before,
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !h.limits.allow(id.UserID, h.now()) {
		writeRateLimited(w, h.cfg.SendRateWindow)
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	d, err := h.svc.Router.SendAs(r.Context(), id.UserID, realtime.SendInput{
		To:       r.PathValue("peer"),
		Content:  req.Content,
		ClientID: req.ClientID,
	})
	if err != nil {
		h.writeServiceError(w, r, "api.send.fail", err)
		return
	}

	status := http.StatusCreated
	if d.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendResponse{Message: d.Message, Duplicated: d.Duplicated, Delivered: d.Delivered})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Ledger.TotalsOf(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, "api.unread.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadFrom(t))
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Router.MarkRead(r.Context(), id.UserID, r.PathValue("peer"))
	if err != nil {
		h.writeServiceError(w, r, "api.read.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{OK: true, unreadResponse: unreadFrom(t)})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	convs, err := h.svc.ListConversations(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, "api.conversations.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: convs})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.svc.Router.DeleteConversation(r.Context(), id.UserID, r.PathValue("peer")); err != nil {
		h.writeServiceError(w, r, "api.conversation.delete.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleOnlineStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	st := h.svc.Directory.Stats()
	writeJSON(w, http.StatusOK, onlineStatsResponse{
		TotalSockets: st.Connections,
		OnlineUsers:  len(st.Users),
		Users:        st.Users,
	})
}

// requireAuth verifies the bearer token. Only the Authorization header is accepted here;
// query tokens are reserved for the websocket handshake.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	tok := token.Bearer(r.Header.Get("Authorization"))
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
		return identity.Identity{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := h.verifier.Verify(ctx, tok)
	if err != nil {
		if identity.IsUnavailable(err) {
			h.log.Warn("api.auth.unavailable", "err", err, "ip", ipString(clientIP(r)))
			writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "identity provider unavailable")
			return identity.Identity{}, false
		}
		h.log.Info("api.auth.rejected", "token_fp", token.Fingerprint(tok), "ip", ipString(clientIP(r)))
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return identity.Identity{}, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	code := realtime.ErrorCode(err)
	switch {
	case errors.Is(err, realtime.ErrInvalidMessage), errors.Is(err, realtime.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, code, publicMessage(err))
	case errors.Is(err, realtime.ErrPersistence):
		h.log.Error(event, "err", err, "path", r.URL.Path)
		writeError(w, http.StatusServiceUnavailable, code, "storage unavailable")
	default:
		h.log.Error(event, "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// publicMessage returns the human part of a validation error without the op prefix.
func publicMessage(err error) string {
	var oe realtime.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return realtime.ErrorCode(err)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages")
}

// clientIP returns the peer address. Forwarded headers are not trusted.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
