package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiftdesk/support-relay/internal/middleware"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

// RouterConfig wires handlers and middleware settings into the API router.
type RouterConfig struct {
	Support *SupportHandler
	Admin   *AdminHandler
	Health  *HealthHandler

	// Webhook is nil when no operator console is configured.
	Webhook *WebhookHandler

	Logger             *logger.Logger
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Public widget and webhook routes
	r.Route("/api/support", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/session", cfg.Support.StartSession)
			r.Post("/messages", cfg.Support.PostMessage)
			r.Get("/messages", cfg.Support.Poll)
			r.Get("/history", cfg.Support.History)
		})

		if cfg.Webhook != nil {
			r.Post("/telegram/webhook", cfg.Webhook.Telegram)
		}
	})

	// Staff routes with authentication
	r.Route("/api/v1/support", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopeOperate))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", cfg.Admin.ListSessions)

			r.Route("/{cid}", func(r chi.Router) {
				r.Get("/", cfg.Admin.GetSession)
				r.Get("/messages", cfg.Admin.SessionMessages)
				r.Put("/thread", cfg.Admin.AttachThread)
			})
		})

		r.Post("/operator/messages", cfg.Admin.PostOperatorMessage)
	})

	return r
}
