// Package httptransport exposes the poll-only status surface for UI adapters:
// point-in-time connection snapshots per user and the roster of tracked users.
// Nothing here pushes state; the UI polls at its own interval.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessionlink/internal/platform/middleware"
)

// NewRouter wires the status endpoints and the metrics handler.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))

	r.Get("/healthz", h.handleHealth)
	r.Get("/status/{userID}", h.handleStatus)
	r.Get("/connections", h.handleConnections)
	r.Get("/authz/{userID}", h.handleAuthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
