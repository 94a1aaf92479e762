// Package app assembles the HTTP surface: middleware chain, routes, and the
// readiness probes shared by the server and worker binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/httpserver"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/config"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
	"github.com/fairyhunter13/comfy-queue/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter *ratelimiter.Limiter, keys domain.APIKeyStore, checker *Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1/jobs", func(jr chi.Router) {
		jr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		// Coarse per-IP guard in front of the principal-scoped limiter.
		if cfg.IPRateLimitPerMin > 0 {
			jr.Use(httprate.LimitByIP(cfg.IPRateLimitPerMin, time.Minute))
		}
		jr.Use(httpserver.Auth(keys, cfg.AuthEnabled))
		jr.With(httpserver.RateLimit(limiter)).Post("/", srv.SubmitJobHandler())
		jr.Get("/", srv.ListJobsHandler())
		jr.Get("/{id}", srv.GetJobHandler())
		jr.Delete("/{id}", srv.CancelJobHandler())
	})

	// WebSocket upgrade is incompatible with http.TimeoutHandler, so the
	// stream route sits outside the timeout group.
	r.With(httpserver.Auth(keys, cfg.AuthEnabled)).Get("/stream/jobs/{id}", srv.StreamJobHandler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if checker != nil {
		r.Get("/health", checker.HealthHandler())
		r.Get("/readyz", checker.ReadyzHandler())
	}
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
