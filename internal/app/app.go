// Package app is the main orchestrator that ties all service components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adlence-ai/adlence/internal/api"
	"github.com/adlence-ai/adlence/internal/auth"
	"github.com/adlence-ai/adlence/internal/billing"
	"github.com/adlence-ai/adlence/internal/config"
	"github.com/adlence-ai/adlence/internal/generation"
	"github.com/adlence-ai/adlence/internal/ledger"
	"github.com/adlence-ai/adlence/internal/mailer"
	"github.com/adlence-ai/adlence/internal/telemetry"
)

// App is the main service process.
type App struct {
	cfg          *config.Config
	store        ledger.Store
	authProvider auth.Provider
	api          *api.Server
	redis        *redis.Client
	telemetry    telemetry.Shutdown
	logger       *slog.Logger
}

// New creates the service from configuration. Every process-wide client is
// constructed here once and shared by all requests.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Initialize storage.
	db, err := ledger.New(cfg.Storage)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	billingSvc, err := billing.New(cfg.Billing, cfg.Server.BaseURL, db, logger)
	if err != nil {
		_ = authProvider.Close()
		_ = db.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("init billing: %w", err)
	}

	mail := mailer.New(cfg.SMTP, logger)
	gen := generation.NewClient(cfg.Generation, logger)

	deps := api.Deps{
		Store:     db,
		Auth:      authProvider,
		Generator: gen,
		Billing:   billingSvc,
		Mailer:    mail,
	}

	var rdb *redis.Client
	if cfg.RateLimit.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			_ = authProvider.Close()
			_ = db.Close()
			_ = shutdownTelemetry(ctx)
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limits fail open until it recovers", "error", err)
		}
		deps.Redis = rdb
	}

	apiSrv := api.NewServer(deps, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		api:          apiSrv,
		redis:        rdb,
		telemetry:    shutdownTelemetry,
		logger:       logger.With("component", "app"),
	}

	// Startup warnings for partially configured deployments.
	if !billingSvc.Enabled() {
		a.logger.Warn("STRIPE_SECRET_KEY not set, checkout is disabled")
	}
	if !mail.Enabled() {
		a.logger.Warn("SMTP_HOST not set, waiting list signups will be rejected")
	}
	if cfg.Generation.TextWebhookURL == "" && cfg.Generation.ImageWebhookURL == "" {
		a.logger.Warn("no generation webhook configured, ad generation will fail")
	}
	if cfg.Auth.TrustClientUserID {
		a.logger.Warn("trust_client_user_id is enabled, unauthenticated requests may act for any user (development only)")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			a.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Server.Addr, "auth", a.authProvider.Name())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.close(shutdownCtx)
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) close(ctx context.Context) {
	_ = a.authProvider.Close()
	a.logger.Info("closing store")
	_ = a.store.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.telemetry(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
