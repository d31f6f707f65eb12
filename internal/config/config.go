// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package config provides layered configuration for Tillsync via Koanf v2.
//
// Precedence (highest wins): environment variables > YAML config file >
// built-in defaults. All resilience tunables (retry, timeout, circuit
// breaker) default to the values the connectors were designed around and
// rarely need changing.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Tillsync service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Toast     ToastConfig     `koanf:"toast"`
	Tenants   []TenantConfig  `koanf:"tenants"`
	Connector ConnectorConfig `koanf:"connector"`
	Sync      SyncConfig      `koanf:"sync"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP trigger surface settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// TriggerSecret is the shared bearer secret required on every sync and
	// reconcile trigger. Requests without it are rejected with 401.
	TriggerSecret string `koanf:"trigger_secret" validate:"required,min=16"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RateLimitReqs bounds trigger requests per client IP per minute.
	RateLimitReqs int `koanf:"rate_limit_reqs"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
}

// ToastConfig holds the Toast machine-client credentials shared by all
// tenants; each tenant contributes its own restaurant location GUID.
type ToastConfig struct {
	BaseURL      string `koanf:"base_url" validate:"required,url"`
	AuthURL      string `koanf:"auth_url" validate:"required,url"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`

	// Timezone is the venue operating timezone used to bucket "yesterday"
	// into a Toast business date.
	Timezone string `koanf:"timezone"`
}

// TenantConfig identifies one venue and its provider-native location IDs.
type TenantConfig struct {
	ID              string `koanf:"id" validate:"required"`
	Name            string `koanf:"name"`
	ToastLocationID string `koanf:"toast_location_id"`
}

// ConnectorConfig carries the resilience tunables applied to every provider
// connector instance.
type ConnectorConfig struct {
	Timeout time.Duration `koanf:"timeout"`

	MaxRetries    int           `koanf:"max_retries" validate:"min=0,max=10"`
	RetryStrategy string        `koanf:"retry_strategy" validate:"oneof=exponential linear fixed"`
	InitialDelay  time.Duration `koanf:"initial_delay"`
	MaxDelay      time.Duration `koanf:"max_delay"`
	RetryFactor   float64       `koanf:"retry_factor"`

	FailureThreshold uint32        `koanf:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`

	RatePerMinute int `koanf:"rate_per_minute" validate:"min=1"`
}

// SyncConfig controls the sync engine and orchestrator.
type SyncConfig struct {
	// Freshness is how recently a provider must have synced successfully
	// for the orchestrator to skip it.
	Freshness time.Duration `koanf:"freshness"`

	// MaxPages caps pages per day for backfill callers; 0 means unlimited
	// (daily sync always fetches the whole day).
	MaxPages int `koanf:"max_pages" validate:"min=0"`

	// MaxConcurrent bounds tenant fan-out per orchestrator cycle. Size it
	// to the provider's documented rate limit.
	MaxConcurrent int `koanf:"max_concurrent" validate:"min=1"`

	// CycleDeadline bounds one orchestrator invocation end to end.
	CycleDeadline time.Duration `koanf:"cycle_deadline"`
}

// ReconcileConfig controls the reconciliation engine.
type ReconcileConfig struct {
	// WindowDays is the trailing window verified by the daily job.
	WindowDays int `koanf:"window_days" validate:"min=1,max=90"`

	// DriftThresholdMinor is the tolerated absolute difference, in minor
	// currency units, before an override is written. Default 100 ($1.00).
	DriftThresholdMinor int64 `koanf:"drift_threshold_minor" validate:"min=0"`

	// MaxPages caps the independent re-fetch. A safety valve, not a
	// correctness guarantee for very high-volume days.
	MaxPages int `koanf:"max_pages" validate:"min=1"`
}

// LoggingConfig mirrors logging.Config for koanf unmarshaling.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8484,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // manual backfills stream slow providers
			ShutdownTimeout: 10 * time.Second,
			RateLimitReqs:   60,
		},
		Database: DatabaseConfig{
			Path:      "/data/tillsync.duckdb",
			MaxMemory: "1GB",
		},
		Toast: ToastConfig{
			BaseURL:  "https://ws-api.toasttab.com",
			AuthURL:  "https://ws-api.toasttab.com/authentication/v1/authentication/login",
			Timezone: "America/New_York",
		},
		Connector: ConnectorConfig{
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryStrategy:    "exponential",
			InitialDelay:     1 * time.Second,
			MaxDelay:         30 * time.Second,
			RetryFactor:      2,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			RatePerMinute:    60,
		},
		Sync: SyncConfig{
			Freshness:     20 * time.Hour,
			MaxPages:      0,
			MaxConcurrent: 4,
			CycleDeadline: 5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			WindowDays:          7,
			DriftThresholdMinor: 100,
			MaxPages:            10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for structural errors. Called by
// LoadWithKoanf after all layers are merged.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	if _, err := time.LoadLocation(c.Toast.Timezone); err != nil {
		return fmt.Errorf("invalid toast.timezone %q: %w", c.Toast.Timezone, err)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
	}

	return nil
}

// Location returns the venue operating timezone.
func (c *ToastConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
