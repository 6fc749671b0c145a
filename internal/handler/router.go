package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/pkg/logger"
)

// RouterConfig holds the gateway's dependencies and settings.
type RouterConfig struct {
	Sessions *session.Manager
	Broker   Broker
	Streams  StreamStats
	Logger   *logger.Logger

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration
}

// NewRouter builds the gateway's routes.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Broker, cfg.Streams, cfg.Sessions, log)
	sessionHandler := NewSessionHandler(cfg.Sessions, log)
	messageHandler := NewMessageHandler(cfg.Sessions, log)
	streamHandler := NewStreamHandler(cfg.Sessions, cfg.Heartbeat, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Group(func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/session", sessionHandler.Open)
		r.Delete("/session", sessionHandler.Close)
		r.Get("/threads", sessionHandler.Threads)
		r.Get("/unread", sessionHandler.Unread)

		r.Route("/threads/{id}", func(r chi.Router) {
			r.Get("/messages", messageHandler.List)
			r.Post("/messages", messageHandler.Send)
			r.Post("/visible", messageHandler.Visible)
			r.Post("/typing", messageHandler.StartTyping)
			r.Delete("/typing", messageHandler.StopTyping)
			r.Get("/stream", streamHandler.Stream)
		})

		r.Get("/messages/failed", messageHandler.Failed)
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Post("/retry", messageHandler.Retry)
			r.Delete("/failed", messageHandler.Dismiss)
		})
	})

	return r
}
