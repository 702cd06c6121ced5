package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/middleware"
	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/telemetry"
)

// RouterDeps carries everything the HTTP surface is assembled from.
type RouterDeps struct {
	Config   *config.Config
	Agent    *AgentHandler
	Query    *QueryHandler
	TestMode *TestModeHandler
	Health   *HealthHandler

	Authenticator service.Authenticator
	Audit         service.AuditRecorder
	Metrics       *telemetry.Metrics
	Limiter       *middleware.RateLimiter
	RequestLog    *middleware.RequestLogger
	FailSafe      *middleware.FailSafe

	RequestTimeout time.Duration
}

// NewRouter wires routes in the order a request meets them: fail-safe,
// request meta, transport security, CORS, rate limit, handler.
func NewRouter(d RouterDeps) http.Handler {
	cfg := d.Config
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	if d.FailSafe != nil {
		r.Use(d.FailSafe.Handler)
	}
	if d.RequestLog != nil {
		r.Use(d.RequestLog.Handler)
	}
	r.Use(middleware.TLSEnhancer(cfg.TLS))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Timeout(timeout))

	r.Get("/health", d.Health.Health)
	r.Get("/health/live", d.Health.Live)
	r.Get("/health/ready", d.Health.Ready)
	r.Handle("/metrics", d.Metrics.Handler())

	admin := middleware.RequireAdmin(d.Authenticator, d.Audit)

	r.Group(func(r chi.Router) {
		if cfg.Rate.Enabled && d.Limiter != nil {
			r.Use(d.Limiter.Handler)
		}

		r.Post("/ask", d.Agent.Ask)
		r.Post("/agent/ask", d.Agent.Ask)
		r.Post("/chat", d.Agent.Chat)

		r.Route("/query", func(r chi.Router) {
			r.Get("/sources", d.Query.Sources)
			if !cfg.IsProduction() {
				r.Get("/test-data", d.Query.TestData)
			}
			r.With(admin).Get("/prepost", d.Query.PrePost)
		})

		r.With(admin).Get("/health/security", d.Health.Security)

		if !cfg.IsProduction() {
			r.With(admin).Get("/debug/pre-post", d.Query.DebugPrePost)
		}

		r.Route("/test", func(r chi.Router) {
			r.Get("/config", d.TestMode.Config)
			r.Post("/self", d.TestMode.Self)
		})

		if d.Limiter != nil {
			r.With(admin).Get("/debug/rate-limit", d.Limiter.MetricsHandler)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Resource not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.")
	})
	return r
}
