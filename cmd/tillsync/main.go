// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Tillsync syncs daily revenue ledgers from third-party POS providers into
// a local DuckDB store and reconciles them against independently fetched
// provider totals. Sync and reconcile cycles are triggered over HTTP by an
// external scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/venuehq/tillsync/internal/api"
	"github.com/venuehq/tillsync/internal/config"
	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/engine"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Fatal error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("version", version).
		Int("tenants", len(cfg.Tenants)).
		Msg("Tillsync starting")

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("Store close failed")
		}
	}()

	connectors := buildConnectors(cfg)
	if len(connectors) == 0 {
		logging.Warn().Msg("No tenants configured, triggers will be no-ops")
	}
	validateCredentials(connectors)

	syncEngine := engine.NewSyncEngine(st, cfg.Sync.MaxPages)
	reconEngine := engine.NewReconciliationEngine(st, engine.ReconcileSettings{
		WindowDays:          cfg.Reconcile.WindowDays,
		DriftThresholdMinor: cfg.Reconcile.DriftThresholdMinor,
		MaxPages:            cfg.Reconcile.MaxPages,
	})
	orchestrator := engine.NewOrchestrator(st, syncEngine, connectors, engine.OrchestratorSettings{
		Freshness:     cfg.Sync.Freshness,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		CycleDeadline: cfg.Sync.CycleDeadline,
		Location:      cfg.Toast.Location(),
	})

	handler := api.NewHandler(st, orchestrator, syncEngine, reconEngine, connectors)
	router := api.NewRouter(handler, api.RouterConfig{
		TriggerSecret: cfg.Server.TriggerSecret,
		RateLimitReqs: cfg.Server.RateLimitReqs,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logging.Info().Msg("Tillsync stopped")
	return nil
}

// buildConnectors creates one provider connector per configured tenant.
// Tenants without a Toast location are skipped with a warning rather than
// failing startup.
func buildConnectors(cfg *config.Config) []connector.ServiceConnector {
	settings := connector.Settings{
		Timeout:          cfg.Connector.Timeout,
		MaxRetries:       cfg.Connector.MaxRetries,
		RetryStrategy:    cfg.Connector.RetryStrategy,
		InitialDelay:     cfg.Connector.InitialDelay,
		MaxDelay:         cfg.Connector.MaxDelay,
		RetryFactor:      cfg.Connector.RetryFactor,
		FailureThreshold: cfg.Connector.FailureThreshold,
		ResetTimeout:     cfg.Connector.ResetTimeout,
		RatePerMinute:    cfg.Connector.RatePerMinute,
	}

	var connectors []connector.ServiceConnector
	for _, tenant := range cfg.Tenants {
		if tenant.ToastLocationID == "" {
			logging.Warn().Str("tenant", tenant.ID).Msg("Tenant has no Toast location, skipping")
			continue
		}
		connectors = append(connectors, connector.NewToast(tenant.ID, connector.ToastConfig{
			BaseURL:        cfg.Toast.BaseURL,
			AuthURL:        cfg.Toast.AuthURL,
			ClientID:       cfg.Toast.ClientID,
			ClientSecret:   cfg.Toast.ClientSecret,
			RestaurantGUID: tenant.ToastLocationID,
		}, settings))
		logging.Info().
			Str("tenant", tenant.ID).
			Str("provider", connector.ProviderToast).
			Msg("Connector registered")
	}
	return connectors
}

// validateCredentials checks each connector's credentials at startup.
// Failures are logged, not fatal: a provider outage at boot must not keep
// the trigger surface down.
func validateCredentials(connectors []connector.ServiceConnector) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, c := range connectors {
		if err := c.ValidateCredentials(ctx); err != nil {
			logging.Warn().
				Str("tenant", c.TenantID()).
				Str("provider", c.Provider()).
				Err(err).
				Msg("Credential validation failed at startup")
			continue
		}
		logging.Info().
			Str("tenant", c.TenantID()).
			Str("provider", c.Provider()).
			Msg("Credentials validated")
	}
}
