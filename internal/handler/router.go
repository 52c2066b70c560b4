package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/sessionsync/internal/middleware"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

// RouterConfig holds the handlers and limits the router is built from.
type RouterConfig struct {
	Health   *HealthHandler
	Sessions *SessionHandler
	Events   *EventHandler

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	SessionWriteLimit int
	Logger            *logger.Logger
}

// NewRouter builds the service's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.Logging(cfg.Logger))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", cfg.Sessions.List)
			r.With(middleware.RequireScope(middleware.ScopeSessionsWrite)).Post("/", cfg.Sessions.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Sessions.Get)

				r.Get("/events", cfg.Events.List)
				r.With(
					middleware.RequireScope(middleware.ScopeSessionsWrite),
					middleware.SessionRateLimit(cfg.SessionWriteLimit, cfg.RateLimitWindow),
				).Post("/events", cfg.Events.Append)
				r.With(middleware.RequireScope(middleware.ScopeEventsDelete)).Delete("/events", cfg.Events.DeleteFrom)
			})
		})
	})

	return r
}
