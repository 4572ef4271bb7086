package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	messages      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	presence      prometheus.Counter
	unread        *prometheus.CounterVec
	wsRejected    *prometheus.CounterVec
	historyServed prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg (nil = unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "imnext", Subsystem: "realtime", Name: "connections",
			Help: "Live websocket connections.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "imnext", Subsystem: "realtime", Name: "online_users",
			Help: "Users with at least one live connection.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "router", Name: "messages_total",
			Help: "Send attempts by result.",
		}, []string{"result"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "realtime", Name: "dropped_envelopes_total",
			Help: "Envelopes dropped because a connection queue was full or closing.",
		}, []string{"type"}),
		presence: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "presence", Name: "announcements_total",
			Help: "Online-user snapshots broadcast.",
		}),
		unread: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "unread", Name: "decisions_total",
			Help: "Unread increments by outcome.",
		}, []string{"outcome"}),
		wsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "ws", Name: "rejected_total",
			Help: "Websocket handshakes rejected before upgrade.",
		}, []string{"reason"}),
		historyServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imnext", Subsystem: "history", Name: "pages_total",
			Help: "History pages served.",
		}),
	}
}

func (m *Metrics) setPresence(conns, users int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(conns))
	m.onlineUsers.Set(float64(users))
}

func (m *Metrics) message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) drop(typ string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(typ).Inc()
}

func (m *Metrics) announced() {
	if m == nil {
		return
	}
	m.presence.Inc()
}

func (m *Metrics) unreadDecision(outcome string) {
	if m == nil {
		return
	}
	m.unread.WithLabelValues(outcome).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.wsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) page() {
	if m == nil {
		return
	}
	m.historyServed.Inc()
}
