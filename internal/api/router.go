// Package api exposes the reporting surface: link status, trip event
// reports, health scores, the live WebSocket feed and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts every route. live serves the WebSocket feed and metrics the
// Prometheus scrape; either may be nil to leave the route out.
func NewRouter(h *Handler, live http.Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Chain(LoggingMiddleware, RecoveryMiddleware, CorsMiddleware))

	r.Get("/health", h.Liveness)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	if live != nil {
		r.Method(http.MethodGet, "/ws", live)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/debug", h.GetDebug)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/events", h.GetEvents)
			r.Get("/events.csv", h.GetEventsCSV)
			r.Get("/health", h.GetHealth)
		})

		r.Get("/units/{id}/health", h.GetUnitHealth)
	})

	return r
}
