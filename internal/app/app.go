package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mivanov/herald/internal/api"
	"github.com/mivanov/herald/internal/channel/httpgw"
	"github.com/mivanov/herald/internal/channel/smtpgw"
	"github.com/mivanov/herald/internal/config"
	"github.com/mivanov/herald/internal/dispatch"
	"github.com/mivanov/herald/internal/metrics"
	"github.com/mivanov/herald/internal/ratelimit"
	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/session"
	"github.com/mivanov/herald/internal/template"
	"github.com/mivanov/herald/internal/track"
)

// App is the main application
type App struct {
	config    *config.Config
	db        *bolt.DB
	engine    *dispatch.Engine
	tracker   *track.Tracker
	apiServer *api.Server
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Open storage; every component shares the one database file
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	recipients, err := recipient.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create recipient storage: %w", err)
	}
	templates, err := template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}
	sessions, err := session.NewStore(db, cfg.Sessions.HistoryLimit)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(db, cfg.Quota.DailyLimit)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	// Create the outbound channel
	channel, setCallback, err := newChannel(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Tracker correlates sends with asynchronous confirmations
	tracker := track.NewTracker(channel, cfg.Dispatch.SendTimeout, logger.With("component", "tracker"))
	setCallback(tracker)

	m := metrics.New()
	recorder := dispatch.NewRecorder(50)

	engine := dispatch.NewEngine(
		dispatch.Config{
			ChannelID:        cfg.Channel.ID,
			BaseDelay:        cfg.Dispatch.BaseDelay,
			StartupDelay:     cfg.Dispatch.StartupDelay,
			RetryDelay:       cfg.Dispatch.RetryDelay,
			SessionTimeout:   cfg.Dispatch.SessionTimeout,
			MaxRetryAttempts: cfg.Dispatch.MaxRetryAttempts,
		},
		recipients,
		templates,
		tracker,
		recorder,
		limiter,
		sessions,
		m,
		logger.With("component", "dispatch"),
	)

	deps := api.Deps{
		Engine:     engine,
		Recorder:   recorder,
		Sessions:   sessions,
		Recipients: recipients,
		Templates:  templates,
		Limiter:    limiter,
		Callbacks:  tracker,
		ChannelID:  cfg.Channel.ID,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = m.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	apiServer := api.NewServer(deps, &cfg.API, logger.With("component", "api"))

	return &App{
		config:    cfg,
		db:        db,
		engine:    engine,
		tracker:   tracker,
		apiServer: apiServer,
		metrics:   m,
		logger:    logger,
	}, nil
}

// newChannel builds the configured outbound channel. Both channel types
// report outcomes through the tracker, installed via the returned setter.
func newChannel(cfg *config.Config, logger *slog.Logger) (track.Channel, func(*track.Tracker), error) {
	switch cfg.Channel.Type {
	case "smtp":
		ch := smtpgw.New(smtpgw.Config{
			Addr:          cfg.Channel.SMTP.Addr,
			From:          cfg.Channel.SMTP.From,
			GatewayDomain: cfg.Channel.SMTP.GatewayDomain,
			Username:      cfg.Channel.SMTP.Username,
			Password:      cfg.Channel.SMTP.Password,
			Timeout:       cfg.Channel.SMTP.Timeout,
			MaxUnitLen:    cfg.Channel.MaxUnitLen,
		}, logger.With("component", "smtpgw"))
		return ch, func(t *track.Tracker) { ch.SetCallback(t) }, nil

	case "http":
		ch := httpgw.New(httpgw.Config{
			SendURL:    cfg.Channel.HTTP.SendURL,
			APIKey:     cfg.Channel.HTTP.APIKey,
			Sender:     cfg.Channel.HTTP.Sender,
			Timeout:    cfg.Channel.HTTP.Timeout,
			MaxUnitLen: cfg.Channel.MaxUnitLen,
		}, logger.With("component", "httpgw"))
		return ch, func(t *track.Tracker) { ch.SetCallback(t) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown channel type %q", cfg.Channel.Type)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting herald",
		"channel", a.config.Channel.ID,
		"channel_type", a.config.Channel.Type,
		"api_addr", a.config.API.ListenAddr,
		"daily_limit", a.config.Quota.DailyLimit,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Sample the tracker's in-flight count for the metrics endpoint
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.metrics.PendingConfirmations.Set(float64(a.tracker.Pending()))
			}
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the dispatch loop first; its terminal event must go out before
	// the API that reports it disappears.
	a.engine.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Resolve in-flight sends as failed; no callbacks can arrive anymore
	a.tracker.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
