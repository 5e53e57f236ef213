package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solosolocodes/lablab-sub002/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. ws may be
// nil when no live feed is served.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc) {
	r.Get("/health", h.GetHealth)
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Participant)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sessions
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/progress", h.GetProgress)
		r.Post("/sessions/{id}/progress", h.UpdateProgress)

		// Scenario assets
		r.Get("/scenarios/{id}", h.GetScenario)
		r.Get("/wallets/{id}/assets", h.GetWalletAssets)
	})
}
