package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/observability"
)

// VerificationRequester mints the single-use interview URL.
type VerificationRequester interface {
	RequestVerificationURL(ctx context.Context) (string, error)
}

// WebhookRoutes mounts the webhook receiver and status endpoints.
type WebhookRoutes interface {
	Routes(r chi.Router)
}

// StoreInfo describes the completion backend for /healthz.
type StoreInfo interface {
	Driver() string
}

// Config holds API server configuration
type Config struct {
	Listen         string
	FrameAncestors []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	requester VerificationRequester
	webhooks  WebhookRoutes
	store     StoreInfo
	events    *events.Hub
	metrics   *observability.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Deps bundles the collaborators the server routes to.
type Deps struct {
	Requester VerificationRequester
	Webhooks  WebhookRoutes
	Store     StoreInfo
	Events    *events.Hub
	Metrics   *observability.Metrics
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	hub := deps.Events
	if hub == nil {
		hub = events.NewHub(64)
	}
	return &Server{
		config:    config,
		requester: deps.Requester,
		webhooks:  deps.Webhooks,
		store:     deps.Store,
		events:    hub,
		metrics:   deps.Metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.frameHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/pre-authenticate", s.handlePreAuthenticate)
	r.Get("/webhook/events", s.handleEvents)
	if s.webhooks != nil {
		s.webhooks.Routes(r)
	}

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// frameHeaders lets the interview platform and the local site frame our pages.
func (s *Server) frameHeaders(next http.Handler) http.Handler {
	csp := frameAncestorsPolicy(s.config.FrameAncestors)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "ALLOWALL")
		if csp != "" {
			w.Header().Set("Content-Security-Policy", csp)
		}
		next.ServeHTTP(w, r)
	})
}

func frameAncestorsPolicy(ancestors []string) string {
	parts := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		if a = strings.TrimSpace(a); a != "" {
			parts = append(parts, a)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "frame-ancestors " + strings.Join(parts, " ")
}
