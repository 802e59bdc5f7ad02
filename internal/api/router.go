package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/nexus-platform/credits/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Credits
	ListTools    http.HandlerFunc
	OpenAccount  http.HandlerFunc
	GetBalance   http.HandlerFunc
	Consume      http.HandlerFunc
	Transactions http.HandlerFunc

	// Guard
	Check http.HandlerFunc

	// Reservations
	CreateQuote http.HandlerFunc
	CommitQuote http.HandlerFunc

	// Audit, nil when no audit store is configured
	ListAuditLogs http.HandlerFunc

	// Admin, nil when no admin key is configured
	Grant           http.HandlerFunc
	AdminMiddleware func(http.Handler) http.Handler

	AuthMiddleware func(http.Handler) http.Handler
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	APIRateLimiter     func(http.Handler) http.Handler
	// Readiness maps a dependency name to its check.
	Readiness map[string]ReadinessCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := readiness(cfg.Readiness)
	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.APIRateLimiter != nil {
			r.Use(cfg.APIRateLimiter)
		}

		r.Route("/credits", func(r chi.Router) {
			r.Get("/tools", h.ListTools)

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)

				r.Post("/account", h.OpenAccount)
				r.Get("/balance", h.GetBalance)
				r.Post("/consume", h.Consume)
				r.Post("/check", h.Check)
				r.Get("/transactions", h.Transactions)

				r.Post("/quotes", h.CreateQuote)
				r.Post("/quotes/commit", h.CommitQuote)

				if h.ListAuditLogs != nil {
					r.Get("/audit", h.ListAuditLogs)
				}
			})
		})

		if h.Grant != nil && h.AdminMiddleware != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(h.AdminMiddleware)
				r.Post("/grants", h.Grant)
			})
		}
	})

	return r
}

func readiness(checks map[string]ReadinessCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}
}
