package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router: operator endpoints under
// /pipeline (tenant-scoped via the X-Tenant-ID header), the provider
// webhook, and health probes.
func SetupRoutes(h *Handlers, wh *WebhookHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID"},
		MaxAge:         300,
	}))

	// Liveness probe.
	r.Get("/health", h.Liveness)

	// Provider webhooks carry their own authentication (HMAC signature)
	// and no tenant header; jobs are located by provider message id.
	if wh != nil {
		r.Post("/webhooks/email/events", wh.HandleEmailEvents)
	}

	r.Route("/pipeline", func(r chi.Router) {
		r.Get("/health", h.PipelineHealth)
		r.Get("/observe", h.Observe)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Get("/campaign/{id}/stats", h.CampaignStats)
		})

		r.Get("/failures", h.ListFailures)
		r.Get("/dead", h.ListDead)
		r.Post("/retry/{id}", h.RetryJob)

		r.Post("/dispatch", h.Dispatch)
		r.Post("/runs/{id}/recalculate", h.RecalculateRun)

		r.Route("/tenants/{tenantID}/config", func(r chi.Router) {
			r.Get("/", h.GetTenantConfig)
			r.Put("/", h.SetTenantConfig)
			r.Delete("/", h.ClearTenantConfig)
		})
	})

	return r
}
