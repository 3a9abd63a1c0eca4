package webhook

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the relay webhook routes.
// Relays authenticate per request, so no session middleware applies here.
func RegisterRoutes(r chi.Router, handler *Handler, bodyLimit func(next http.Handler) http.Handler) {
	r.Route("/webhooks", func(r chi.Router) {
		if bodyLimit != nil {
			r.Use(bodyLimit)
		}

		// POST /webhooks/email - Relay email delivery
		r.Post("/email", handler.ServeEmail)
	})
}
