package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Public routes. The webhook does its own authorisation because the CRM
	// can only present the shared secret, not the debug secret.
	r.Get("/health", h.Health)
	r.Post("/webhook/amo", h.Webhook)

	debugAuth := DebugAuthMiddleware(h.debugSecret)

	r.Route("/sync/contacts", func(r chi.Router) {
		r.Use(debugAuth)
		r.Get("/dry-run", h.DryRun)
		r.Post("/apply", h.Apply)
	})

	r.With(debugAuth).Handle("/metrics", promhttp.Handler())

	// Debug surface, closed unless a debug secret is configured.
	r.Route("/debug", func(r chi.Router) {
		r.Use(debugAuth)
		r.Get("/ping", h.Health)
		r.Get("/webhooks", h.DebugWebhooks)
		r.Delete("/webhooks", h.DebugWebhooksClear)
		r.Get("/pending", h.DebugPending)
		r.Get("/google", h.DebugGoogleToken)
		r.Post("/merge", h.DebugMerge)
		r.Post("/merge/by-phone", h.DebugMergeByPhone)
		r.Post("/merge/by-amo", h.DebugMergeByAmo)
	})

	return r
}
