// Package app wires the im-next server runtime: config, logging, stores, HTTP routes and
// the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/luckysmithlee/im-next/cmd/internal/chatapi"
	"github.com/luckysmithlee/im-next/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the server runtime: it owns the stores, the realtime service and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	stores *stores
	reg    *prometheus.Registry
	svc    *realtime.Service
	ws     *realtime.WSGateway
	api    *chatapi.Handler
}

// New constructs a fully wired App. Security policy is checked before any store is opened.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, cfg, log, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg Config, log Logger, st *stores) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	verifier, err := newVerifier(ctx, cfg.Auth, st.registry, log)
	if err != nil {
		return nil, err
	}

	policy, _ := realtime.ParseUnreadPolicy(cfg.Realtime.UnreadPolicy)
	svcCfg := realtime.ServiceConfig{
		PresenceDebounce: cfg.Realtime.PresenceDebounce,
		Policy:           policy,
		MaxMessageChars:  cfg.Realtime.MaxMessageChars,
		Metrics:          metrics,
	}
	if cfg.StrictRecipients() {
		svcCfg.Recipients = st.registry
	}
	svc, err := realtime.NewService(log, st.messages, st.unread, svcCfg)
	if err != nil {
		return nil, err
	}

	gw := realtime.DefaultGatewayConfig()
	gw.DevInsecure = cfg.IsDev() && containsWildcard(cfg.Realtime.WSAllowedOrigins)
	gw.AllowedOrigins = cfg.Realtime.WSAllowedOrigins
	gw.OriginRequired = cfg.Realtime.WSOriginRequired
	gw.RequireSubprotocol = cfg.Realtime.WSRequireSubprotocol
	gw.SendQueueSize = cfg.Realtime.WSSendQueueSize
	gw.RateEvents = cfg.Realtime.WSRateEvents
	gw.RateWindow = cfg.Realtime.WSRateWindow
	gw.HeartbeatInterval = cfg.Realtime.HeartbeatInterval
	gw.HeartbeatTimeout = cfg.Realtime.HeartbeatTimeout

	ws, err := realtime.NewWSGateway(log, svc, verifier, gw)
	if err != nil {
		svc.Close()
		return nil, err
	}

	api, err := chatapi.NewHandler(log, svc, verifier, chatapi.Config{
		MaxBodyBytes:   cfg.Realtime.APIMaxBodyBytes,
		SendRateEvents: cfg.Realtime.APISendRateEvents,
		SendRateWindow: cfg.Realtime.APISendRateWindow,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    log,
		stores: st,
		reg:    reg,
		svc:    svc,
		ws:     ws,
		api:    api,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run listens on cfg.HTTP.Addr and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.Close()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts down gracefully
// and releases every resource the App owns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	addr := ln.Addr().String()
	a.log.Info("server.start",
		"addr", addr,
		"base_url", runtimeBaseURL(addr),
		"ws_url", wsBaseURL(runtimeBaseURL(addr))+"/ws",
		"store", a.stores.kind,
		"env", a.cfg.Env,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close stops presence timers and releases the stores. Safe to call more than once.
func (a *App) Close() {
	if a == nil || a.stores == nil {
		return
	}
	a.svc.Close()
	if err := a.stores.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	a.stores = nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
