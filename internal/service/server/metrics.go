package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "sma_relay"

// Metrics groups the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	Relayed         *prometheus.CounterVec // by message type
	OfflineFailures prometheus.Counter
	Dropped         *prometheus.CounterVec // by reason
	AuthResults     *prometheus.CounterVec // by event and status
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Usernames currently mapped to a connection.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_frames_total",
			Help:      "Frames forwarded to an online recipient.",
		}, []string{"type"}),
		OfflineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "offline_recipient_total",
			Help:      "Outgoing frames addressed to a user who is not online.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_connections_total",
			Help:      "Connections closed by the relay.",
		}, []string{"reason"}),
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_results_total",
			Help:      "Register, login and delete outcomes.",
		}, []string{"event", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.OnlineUsers,
		m.Relayed,
		m.OfflineFailures,
		m.Dropped,
		m.AuthResults,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
