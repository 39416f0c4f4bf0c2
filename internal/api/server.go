package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mivanov/herald/internal/config"
	"github.com/mivanov/herald/internal/dispatch"
	"github.com/mivanov/herald/internal/ratelimit"
	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/session"
	"github.com/mivanov/herald/internal/template"
	heraldtls "github.com/mivanov/herald/internal/tls"
	"github.com/mivanov/herald/internal/track"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Dispatcher is the engine surface the API needs
type Dispatcher interface {
	Start(ctx context.Context, templateID int) error
	StartWith(ctx context.Context, templateID int, recipients []recipient.Recipient) error
	Stop()
	Status() (running bool, sent, total int)
}

// CallbackSink receives provider status callbacks. Implemented by
// track.Tracker.
type CallbackSink interface {
	OnSent(requestID string, result track.Result)
	OnDelivered(requestID string, success bool)
}

// Deps are the collaborators the API server exposes
type Deps struct {
	Engine     Dispatcher
	Recorder   *dispatch.Recorder
	Sessions   *session.Store
	Recipients *recipient.Storage
	Templates  *template.Storage
	Limiter    *ratelimit.Limiter
	Callbacks  CallbackSink
	ChannelID  string

	// Metrics is mounted at MetricsPath when non-nil
	Metrics     http.Handler
	MetricsPath string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Prometheus metrics (no auth required)
	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Method(http.MethodGet, path, s.deps.Metrics)
	}

	// Provider status callbacks (auth required; providers send the key)
	s.router.Route("/callbacks", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/sent", s.handleSentCallback)
		r.Post("/delivered", s.handleDeliveredCallback)
	})

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/dispatch", s.handleDispatchStart)
		r.Post("/dispatch/stop", s.handleDispatchStop)
		r.Get("/dispatch/status", s.handleDispatchStatus)

		r.Get("/sessions", s.handleSessionList)
		r.Get("/sessions/active", s.handleSessionActive)
		r.Delete("/sessions/{id}", s.handleSessionDelete)
		r.Post("/sessions/{id}/restore", s.handleSessionRestore)

		r.Get("/recipients", s.handleRecipientList)
		r.Put("/recipients", s.handleRecipientSave)
		r.Delete("/recipients/{id}", s.handleRecipientDelete)

		r.Get("/templates", s.handleTemplateList)
		r.Get("/templates/{id}", s.handleTemplateGet)
		r.Put("/templates/{id}", s.handleTemplatePut)
		r.Delete("/templates/{id}", s.handleTemplateDelete)

		r.Get("/quota", s.handleQuota)
		r.Post("/quota/reset", s.handleQuotaReset)
	})
}

// ListenAndServe starts the HTTP server, with automatic TLS when ACME is
// enabled. Providers generally require HTTPS callback URLs.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	if s.config.ACME.Enabled {
		manager := heraldtls.NewACMEManager(s.config.ACME.Email, s.config.ACME.Domains, s.config.ACME.CacheDir)
		s.httpServer.TLSConfig = manager.TLSConfig()

		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr, "domains", manager.Domains())
		return s.httpServer.ListenAndServeTLS("", "")
	}

	if s.config.CertFile != "" && s.config.KeyFile != "" {
		tlsConfig, err := heraldtls.LoadCertificate(s.config.CertFile, s.config.KeyFile)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig

		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
