package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailqueue/internal/metrics"
)

func NewRouter(h *Handler, hub *StatsHub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", h.Health)

	r.Post("/send", h.SendEmail)
	r.Post("/send/bulk", h.SendBulk)
	r.Get("/stats", h.Stats)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/failed", h.Failed)
		r.Post("/retry-failed", h.RetryFailed)
		r.Post("/cleanup", h.Cleanup)
		r.Post("/reset-stuck", h.ResetStuck)
		r.Post("/drain", h.Drain)
	})

	if hub != nil {
		r.Get("/ws/stats", hub.ServeHTTP)
	}

	return r
}
