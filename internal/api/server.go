// Package api provides the HTTP surface of Gatekeeper: payment webhooks, the
// admin API and its event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

const (
	webhookPath   = "/webhooks/payments"
	loginPath     = "/api/v1/auth/login"
	adminPrefix   = "/api/v1/admin"
	eventsPath    = adminPrefix + "/events"
	defaultPerMin = 120
)

// Config holds the HTTP settings the server needs.
type Config struct {
	CORSOrigins []string
	// WebhookRateLimit is requests per minute per client IP for the webhook
	// and login endpoints.
	WebhookRateLimit int
	// AdminPasswordHash is an argon2id hash. Empty disables password login.
	AdminPasswordHash string
	Version           string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	store      store.Store
	services   *Services
	tokens     *auth.TokenService
	sseManager *sse.Manager
	channel    platform.Channel
	cfg        Config
	router     *chi.Mux
	api        huma.API
	limiter    *RateLimiter
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(
	st store.Store,
	services *Services,
	tokens *auth.TokenService,
	sseManager *sse.Manager,
	channel platform.Channel,
	cfg Config,
	logger *slog.Logger,
) *Server {
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = defaultPerMin
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	s := &Server{
		store:      st,
		services:   services,
		tokens:     tokens,
		sseManager: sseManager,
		channel:    channel,
		cfg:        cfg,
		router:     chi.NewRouter(),
		limiter:    NewRateLimiter(cfg.WebhookRateLimit, time.Minute, max(cfg.WebhookRateLimit/4, 1)),
		logger:     logger,
	}

	s.setupMiddleware()
	s.api = humachi.New(s.router, s.humaConfig())
	RegisterErrorHandler()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API exposes the huma API, used for OpenAPI export.
func (s *Server) API() huma.API {
	return s.api
}

// Shutdown releases background resources owned by the server.
func (s *Server) Shutdown(_ context.Context) error {
	s.limiter.Stop()
	return nil
}

func (s *Server) humaConfig() huma.Config {
	cfg := huma.DefaultConfig("Gatekeeper API", s.cfg.Version)
	cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "PASETO",
		},
	}
	cfg.Transformers = append(cfg.Transformers, EnvelopeTransformer)
	return cfg
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	s.router.Use(s.limitPaths(webhookPath, loginPath))
	s.router.Use(authMiddleware(s.tokens))
}

// limitPaths applies the per-IP limiter to the listed paths only.
func (s *Server) limitPaths(paths ...string) func(http.Handler) http.Handler {
	limited := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		limited[p] = struct{}{}
	}
	limit := RateLimitMiddleware(s.limiter, s.logger)
	return func(next http.Handler) http.Handler {
		withLimit := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := limited[r.URL.Path]; ok {
				withLimit.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.registerHealthRoutes()
	s.registerAuthRoutes()
	s.registerWebhookRoutes()
	s.registerAdminRoutes()

	// The event stream is not a huma operation; it writes its own frames.
	if s.sseManager != nil {
		s.router.Get(eventsPath, sse.NewHandler(s.sseManager, s.logger, s.streamSubject).ServeHTTP)
	}
}
