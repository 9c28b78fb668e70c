package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Handler     *Handler
	Metrics     HTTPMetrics
	APIKey      string
	CORSOrigins []string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	r := chi.NewRouter()

	// Order matters: outermost first.
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		RecoveryMiddleware(),
		LoggingMiddleware(),
	)
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(
		CORSMiddleware(cfg.CORSOrigins),
		ContentTypeMiddleware(),
	)

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", h.Livez)
	r.Get("/readyz", h.Readyz)

	// Upload transport hooks - no auth (network-isolated)
	r.Post("/internal/hooks/tus", h.TusHook)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Route("/{jobId}", func(r chi.Router) {
			r.Post("/files", h.RegisterFile)
			r.Post("/start", h.StartJob)
			r.Get("/status", h.GetStatus)
			r.Get("/download", h.Download)
			r.Delete("/", h.DeleteJob)
		})
	})

	return r
}
