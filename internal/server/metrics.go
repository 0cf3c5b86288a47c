package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the hub.
type Metrics struct {
	connections         prometheus.Gauge
	present             prometheus.Gauge
	events              *prometheus.CounterVec
	rejections          *prometheus.CounterVec
	broadcasts          *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	droppedPeers        prometheus.Counter
}

// NewMetrics creates the chat collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections",
			Help: "Number of open chat connections.",
		}),
		present: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_present_participants",
			Help: "Number of logged-in participants.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_inbound_events_total",
			Help: "Inbound client events by type.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rejected_events_total",
			Help: "Inbound client events rejected, by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Outbound broadcasts by event type.",
		}, []string{"type"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persistence_failures_total",
			Help: "Messages dropped by the store after retrying.",
		}),
		droppedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_dropped_peers_total",
			Help: "Connections closed because they could not keep up with broadcasts.",
		}),
	}
	reg.MustRegister(
		m.connections,
		m.present,
		m.events,
		m.rejections,
		m.broadcasts,
		m.persistenceFailures,
		m.droppedPeers,
	)
	return m
}
