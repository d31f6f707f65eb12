// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package store persists the revenue ledger in DuckDB: transactions and
// line items keyed by (tenant, provider, business date), sync run history,
// reconciliation overrides, and orchestrator snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/venuehq/tillsync/internal/config"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
)

// Store wraps the DuckDB connection and provides ledger access methods.
type Store struct {
	conn *sql.DB
}

// New opens (or creates) the DuckDB database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	// Disable auto-install/auto-load to prevent hangs in restricted network
	// environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logging.Info().Str("component", "store").Str("path", cfg.Path).Msg("Database opened")
	return s, nil
}

// NewMemory opens an in-memory store for tests.
func NewMemory() (*Store, error) {
	conn, err := sql.Open("duckdb", ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.initialize(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the connection is alive, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		transaction_id VARCHAR NOT NULL,
		tenant_id VARCHAR NOT NULL,
		provider VARCHAR NOT NULL,
		business_date INTEGER NOT NULL,
		created_at TIMESTAMP,
		total_amount_minor BIGINT NOT NULL,
		tax_amount_minor BIGINT NOT NULL DEFAULT 0,
		tip_amount_minor BIGINT NOT NULL DEFAULT 0,
		discount_amount_minor BIGINT NOT NULL DEFAULT 0,
		service_charge_amount_minor BIGINT NOT NULL DEFAULT 0,
		item_count INTEGER NOT NULL DEFAULT 0,
		unique_item_count INTEGER NOT NULL DEFAULT 0,
		source_type VARCHAR,
		status VARCHAR,
		voided BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tenant_id, provider, transaction_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_day
		ON transactions (tenant_id, provider, business_date)`,
	`CREATE TABLE IF NOT EXISTS line_items (
		selection_id VARCHAR NOT NULL,
		transaction_id VARCHAR NOT NULL,
		tenant_id VARCHAR NOT NULL,
		provider VARCHAR NOT NULL,
		business_date INTEGER NOT NULL,
		item_name VARCHAR,
		quantity DOUBLE NOT NULL DEFAULT 0,
		price_minor BIGINT NOT NULL DEFAULT 0,
		tax_minor BIGINT NOT NULL DEFAULT 0,
		voided BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tenant_id, provider, transaction_id, selection_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id VARCHAR PRIMARY KEY,
		tenant_id VARCHAR NOT NULL,
		provider VARCHAR NOT NULL,
		business_date INTEGER NOT NULL,
		pages_fetched INTEGER NOT NULL DEFAULT 0,
		records_written INTEGER NOT NULL DEFAULT 0,
		revenue_total_minor BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		outcome VARCHAR NOT NULL,
		error VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS revenue_overrides (
		tenant_id VARCHAR NOT NULL,
		business_date INTEGER NOT NULL,
		authoritative_total_minor BIGINT NOT NULL,
		check_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		note VARCHAR,
		PRIMARY KEY (tenant_id, business_date)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id VARCHAR PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		providers_fetched VARCHAR,
		summary VARCHAR NOT NULL
	)`,
}

func (s *Store) initialize() error {
	for _, stmt := range schema {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// observe wraps a store call with duration and error metrics.
func observe(operation, table string, start time.Time, err error) {
	metrics.RecordStoreQuery(operation, table, time.Since(start), err)
}
