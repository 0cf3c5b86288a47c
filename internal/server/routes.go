// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes returns a ServeMux with the health check, the chat socket
// (at /ws/chat and /ws) and the Prometheus endpoint for gatherer.
func SetupRoutes(hub *Hub, cfg Config, gatherer prometheus.Gatherer, log *slog.Logger) *http.ServeMux {
	ws := NewWebSocketHandler(hub, cfg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle("/ws/chat", ws)
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
