package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/companionhq/companion/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	GetHistory   http.HandlerFunc
	AppendTurn   http.HandlerFunc
	ClearHistory http.HandlerFunc
	SeedHistory  http.HandlerFunc
	IngestMemory http.HandlerFunc
	SearchMemory http.HandlerFunc
	ForgetMemory http.HandlerFunc
	BuildContext http.HandlerFunc

	AuthMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports one dependency's health. Nil means not configured.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// RateLimiter runs after authentication so limits apply per user.
	RateLimiter func(http.Handler) http.Handler
	// HealthChecks are probed by /health/ready, keyed by dependency name.
	HealthChecks map[string]HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe: checks every configured dependency
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for name, check := range cfg.HealthChecks {
			if check == nil {
				health[name] = "not configured"
				continue
			}
			if err := check(r.Context()); err != nil {
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}

		r.Route("/companions/{companion}/models/{model}", func(r chi.Router) {
			r.Route("/history", func(r chi.Router) {
				r.Get("/", h.GetHistory)
				r.Post("/", h.AppendTurn)
				r.Delete("/", h.ClearHistory)
				r.Post("/seed", h.SeedHistory)
			})

			r.Route("/memories", func(r chi.Router) {
				r.Post("/", h.IngestMemory)
				r.Post("/search", h.SearchMemory)
				r.Delete("/", h.ForgetMemory)
			})

			r.Post("/context", h.BuildContext)
		})
	})

	return r
}
