// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venuehq/tillsync/internal/models"
)

// InsertSyncRun records one completed sync attempt. The run ID is assigned
// here when empty.
func (s *Store) InsertSyncRun(ctx context.Context, run *models.SyncRun) (err error) {
	start := time.Now()
	defer func() { observe("insert", "sync_runs", start, err) }()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, tenant_id, provider, business_date, pages_fetched,
			records_written, revenue_total_minor, started_at, duration_ms,
			outcome, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.Provider, int(run.BusinessDate), run.PagesFetched,
		run.RecordsWritten, run.RevenueTotalMinor, run.StartedAt, run.DurationMs,
		run.Outcome, run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// LastSuccessfulSync returns the start time of the most recent successful
// run for the (tenant, provider) pair, or the zero time when none exists.
func (s *Store) LastSuccessfulSync(ctx context.Context, tenantID, provider string) (ts time.Time, err error) {
	start := time.Now()
	defer func() { observe("last_success", "sync_runs", start, err) }()

	err = s.conn.QueryRowContext(ctx, `
		SELECT started_at FROM sync_runs
		WHERE tenant_id = ? AND provider = ? AND outcome = ?
		ORDER BY started_at DESC LIMIT 1`,
		tenantID, provider, models.OutcomeSuccess).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last successful sync: %w", err)
	}
	return ts, nil
}

// RecentRuns returns the most recent sync runs across all tenants, newest
// first, for the status endpoint.
func (s *Store) RecentRuns(ctx context.Context, limit int) (runs []models.SyncRun, err error) {
	start := time.Now()
	defer func() { observe("recent", "sync_runs", start, err) }()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tenant_id, provider, business_date, pages_fetched,
			records_written, revenue_total_minor, started_at, duration_ms,
			outcome, COALESCE(error, '')
		FROM sync_runs
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var run models.SyncRun
		var day int
		if err = rows.Scan(&run.ID, &run.TenantID, &run.Provider, &day, &run.PagesFetched,
			&run.RecordsWritten, &run.RevenueTotalMinor, &run.StartedAt, &run.DurationMs,
			&run.Outcome, &run.Error); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		run.BusinessDate = models.BusinessDate(day)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
