package app

import (
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.HTTP.ReadinessRequireDurable && !a.cfg.Durable() {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}
		if err := a.stores.Ping(r.Context()); err != nil {
			a.log.Info("readyz.store.not_ready", "err", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	api := http.NewServeMux()
	a.api.Register(api)
	mux.Handle("/api/", WithCORS(api, a.cfg, a.log))

	mux.HandleFunc("GET /ws", a.ws.HandleWS)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
