// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
	"github.com/venuehq/tillsync/internal/models"
)

// SyncEngine replaces one (tenant, provider, day) ledger slice with fresh
// provider data. Replacement is all or nothing: every page is fetched
// before the store is touched, and delete plus insert commit in a single
// store transaction, so a failed sync leaves the previous data intact and
// a resync never duplicates.
type SyncEngine struct {
	store Store

	// maxPages caps pagination per day; 0 means fetch until a short page.
	maxPages int

	locks *keyedMutex
}

// NewSyncEngine creates a sync engine backed by the given store.
func NewSyncEngine(st Store, maxPages int) *SyncEngine {
	return &SyncEngine{store: st, maxPages: maxPages, locks: newKeyedMutex()}
}

// SyncDay synchronizes one business date for one connector. Concurrent
// calls for the same (tenant, provider, day) serialize; distinct days and
// tenants run in parallel. The returned SyncRun is always persisted, with
// Outcome recording success or the classified failure.
func (e *SyncEngine) SyncDay(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) (*models.SyncRun, error) {
	unlock := e.locks.lock(dayKey(conn.TenantID(), conn.Provider(), date))
	defer unlock()

	started := time.Now()
	run := &models.SyncRun{
		TenantID:     conn.TenantID(),
		Provider:     conn.Provider(),
		BusinessDate: date,
		StartedAt:    started,
	}
	log := logging.Ctx(ctx).With().
		Str("component", "sync").
		Str("tenant", conn.TenantID()).
		Str("provider", conn.Provider()).
		Str("business_date", date.ISO()).
		Logger()

	log.Info().Msg("Day sync started")

	orders, pages, fetchErr := e.fetchAllPages(ctx, conn, date)
	run.PagesFetched = pages
	if fetchErr != nil {
		return e.finishRun(ctx, run, started, fmt.Errorf("fetch day %s: %w", date, fetchErr), "provider_api")
	}

	txns := conn.Transform(orders, date)
	for _, t := range txns {
		run.RevenueTotalMinor += t.TotalAmountMinor
	}

	written, err := e.store.ReplaceDay(ctx, conn.TenantID(), conn.Provider(), date, txns)
	if err != nil {
		return e.finishRun(ctx, run, started, fmt.Errorf("replace day %s: %w", date, err), "store")
	}
	run.RecordsWritten = written

	metrics.SyncRecordsWritten.WithLabelValues(conn.Provider()).Add(float64(written))
	metrics.SyncPagesFetched.WithLabelValues(conn.Provider()).Add(float64(pages))
	metrics.SyncLastSuccess.WithLabelValues(conn.Provider()).SetToCurrentTime()

	log.Info().
		Int("pages", pages).
		Int("orders", len(orders)).
		Int("records_written", written).
		Int64("revenue_minor", run.RevenueTotalMinor).
		Msg("Day sync completed")

	return e.finishRun(ctx, run, started, nil, "")
}

// fetchAllPages pages through the provider until a short page, the
// configured cap, or a failure. Nothing is written while fetching.
func (e *SyncEngine) fetchAllPages(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) ([]connector.Order, int, error) {
	var orders []connector.Order
	pages := 0

	for page := 1; ; page++ {
		if e.maxPages > 0 && page > e.maxPages {
			break
		}

		res := conn.FetchPage(ctx, date, page)
		if !res.Success {
			return nil, pages, res.Err
		}
		pages++
		orders = append(orders, res.Data.Orders...)

		if !res.Data.Full() {
			break
		}
	}
	return orders, pages, nil
}

// finishRun finalizes and persists the run record. A run-history write
// failure is logged but does not fail an otherwise successful sync.
func (e *SyncEngine) finishRun(ctx context.Context, run *models.SyncRun, started time.Time, syncErr error, errType string) (*models.SyncRun, error) {
	run.DurationMs = time.Since(started).Milliseconds()
	if syncErr != nil {
		run.Outcome = "failed"
		run.Error = syncErr.Error()
		metrics.SyncErrors.WithLabelValues(run.Provider, errType).Inc()
		logging.Ctx(ctx).Error().
			Str("component", "sync").
			Str("tenant", run.TenantID).
			Str("business_date", run.BusinessDate.ISO()).
			Err(syncErr).
			Msg("Day sync failed")
	} else {
		run.Outcome = models.OutcomeSuccess
		metrics.SyncDuration.WithLabelValues(run.Provider).Observe(time.Since(started).Seconds())
	}

	if err := e.store.InsertSyncRun(ctx, run); err != nil {
		logging.Ctx(ctx).Error().
			Str("component", "sync").
			Err(err).
			Msg("Failed to record sync run")
	}
	return run, syncErr
}
