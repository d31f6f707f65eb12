// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tillsync/config.yaml",
	"/etc/tillsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// TOAST_CLIENT_ID -> toast.client_id, SYNC_MAX_CONCURRENT ->
	// sync.max_concurrent, and so on.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps flat environment variable names onto nested config paths.
// Variables not listed here are ignored, so unrelated platform env vars never
// leak into the config.
var envMappings = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"trigger_secret":   "server.trigger_secret",
	"cron_secret":      "server.trigger_secret", // legacy scheduler name
	"rate_limit_reqs":  "server.rate_limit_reqs",
	"shutdown_timeout": "server.shutdown_timeout",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",

	"toast_base_url":      "toast.base_url",
	"toast_auth_url":      "toast.auth_url",
	"toast_client_id":     "toast.client_id",
	"toast_client_secret": "toast.client_secret",
	"toast_timezone":      "toast.timezone",

	"connector_timeout":           "connector.timeout",
	"connector_max_retries":       "connector.max_retries",
	"connector_retry_strategy":    "connector.retry_strategy",
	"connector_initial_delay":     "connector.initial_delay",
	"connector_max_delay":         "connector.max_delay",
	"connector_retry_factor":      "connector.retry_factor",
	"connector_failure_threshold": "connector.failure_threshold",
	"connector_reset_timeout":     "connector.reset_timeout",
	"connector_rate_per_minute":   "connector.rate_per_minute",

	"sync_freshness":      "sync.freshness",
	"sync_max_pages":      "sync.max_pages",
	"sync_max_concurrent": "sync.max_concurrent",
	"sync_cycle_deadline": "sync.cycle_deadline",

	"reconcile_window_days":           "reconcile.window_days",
	"reconcile_drift_threshold_minor": "reconcile.drift_threshold_minor",
	"reconcile_max_pages":             "reconcile.max_pages",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf config
// paths, e.g. TOAST_CLIENT_ID -> toast.client_id. A TILLSYNC_ prefix is
// accepted and stripped. Unknown variables map to "" and are dropped by
// koanf.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	key = strings.TrimPrefix(key, "tillsync_")
	if path, ok := envMappings[key]; ok {
		return path
	}
	return ""
}
