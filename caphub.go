// Package caphub is the main orchestrator that ties all components together.
package caphub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/orvio-apps/caphub/internal/api"
	"github.com/orvio-apps/caphub/internal/auth"
	"github.com/orvio-apps/caphub/internal/billing"
	"github.com/orvio-apps/caphub/internal/config"
	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/project"
	"github.com/orvio-apps/caphub/internal/store"
	"github.com/orvio-apps/caphub/internal/token"
)

// Hub is the main caphub process.
type Hub struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	logger *slog.Logger
}

// New wires up storage, the entitlement ledger, the project scheduler, the
// billing syncer, the token service, auth, and the HTTP API.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	ledger := entitlement.NewLedger(db, cfg.Billing.GraceDays, logger)

	catalog := billing.NewCatalog(cfg.Billing.Plans)
	syncer := billing.NewSyncer(db, ledger, catalog, logger)

	scheduler := project.NewScheduler(db, ledger, syncer, logger)

	tokens := token.NewService(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL.Duration, ledger, scheduler, logger)

	apiSrv := api.NewServer(db, authProvider, ledger, scheduler, syncer, tokens, cfg, logger)

	h := &Hub{
		cfg:    cfg,
		store:  db,
		api:    apiSrv,
		logger: logger.With("component", "caphub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	if cfg.Billing.WebhookSecret == "" {
		logger.Warn("billing.webhook_secret is empty — the webhook endpoint will reject all events")
	}
	if len(cfg.Token.VerifyKeys) == 0 {
		logger.Warn("token.verify_keys is empty — the verification endpoint will reject all requests")
	}
	if len(cfg.Billing.Plans) == 0 {
		logger.Warn("billing.plans is empty — no webhook event can be mapped to entitlements")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("caphub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}
