package health

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the health endpoints
func RegisterRoutes(r chi.Router, handler *Handler) {
	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Readiness)
	r.Get("/health/live", handler.Liveness)
}
