// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package engine

import (
	"context"
	"fmt"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
	"github.com/venuehq/tillsync/internal/models"
)

// ReconcileSettings tunes the reconciliation engine.
type ReconcileSettings struct {
	// WindowDays is the trailing window VerifyWindow covers.
	WindowDays int

	// DriftThresholdMinor is the tolerated absolute difference between the
	// provider total and the stored total, in minor currency units.
	DriftThresholdMinor int64

	// MaxPages caps the independent re-fetch per day.
	MaxPages int
}

// DayReport is the outcome of verifying one (tenant, day).
type DayReport struct {
	TenantID           string              `json:"tenant_id"`
	BusinessDate       models.BusinessDate `json:"business_date"`
	AuthoritativeMinor int64               `json:"authoritative_minor"`
	StoredMinor        int64               `json:"stored_minor"`
	DriftMinor         int64               `json:"drift_minor"`
	CheckCount         int                 `json:"check_count"`
	OverrideCreated    bool                `json:"override_created"`
	Error              string              `json:"error,omitempty"`
}

// ReconciliationEngine independently re-fetches recent days from the
// provider and compares check-level totals against the stored ledger. When
// drift exceeds the threshold it records the provider figure as an
// authoritative override; it never rewrites ledger rows.
type ReconciliationEngine struct {
	store    Store
	settings ReconcileSettings
}

// NewReconciliationEngine creates a reconciliation engine.
func NewReconciliationEngine(st Store, settings ReconcileSettings) *ReconciliationEngine {
	return &ReconciliationEngine{store: st, settings: settings}
}

// VerifyDay verifies one business date for one connector. An override is
// written only when drift exceeds the threshold and the provider total is
// positive; a zero provider total on a day with stored revenue is treated
// as a suspect fetch, not a correction.
func (e *ReconciliationEngine) VerifyDay(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) (*DayReport, error) {
	report := &DayReport{TenantID: conn.TenantID(), BusinessDate: date}
	log := logging.Ctx(ctx).With().
		Str("component", "reconcile").
		Str("tenant", conn.TenantID()).
		Str("business_date", date.ISO()).
		Logger()

	var orders []connector.Order
	for page := 1; page <= e.settings.MaxPages; page++ {
		res := conn.FetchPage(ctx, date, page)
		if !res.Success {
			report.Error = res.Err.Error()
			metrics.ReconciliationChecks.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("reconcile fetch day %s: %w", date, res.Err)
		}
		orders = append(orders, res.Data.Orders...)
		if !res.Data.Full() {
			break
		}
	}

	authoritative, checkCount := connector.SumCheckTotals(orders)
	report.AuthoritativeMinor = authoritative
	report.CheckCount = checkCount

	totals, err := e.store.SumDay(ctx, conn.TenantID(), conn.Provider(), date)
	if err != nil {
		report.Error = err.Error()
		metrics.ReconciliationChecks.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("reconcile sum day %s: %w", date, err)
	}
	report.StoredMinor = totals.TotalMinor

	drift := authoritative - totals.TotalMinor
	if drift < 0 {
		drift = -drift
	}
	report.DriftMinor = drift
	metrics.ReconciliationDrift.WithLabelValues(conn.TenantID()).Set(float64(drift))

	if drift > e.settings.DriftThresholdMinor && authoritative > 0 {
		override := &models.RevenueOverride{
			TenantID:                conn.TenantID(),
			BusinessDate:            date,
			AuthoritativeTotalMinor: authoritative,
			CheckCount:              checkCount,
			Note:                    fmt.Sprintf("drift %d minor units (stored %d)", drift, totals.TotalMinor),
		}
		if err := e.store.UpsertOverride(ctx, override); err != nil {
			report.Error = err.Error()
			metrics.ReconciliationChecks.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("reconcile upsert override day %s: %w", date, err)
		}
		report.OverrideCreated = true
		metrics.ReconciliationOverrides.WithLabelValues(conn.TenantID()).Inc()
		metrics.ReconciliationChecks.WithLabelValues("override_created").Inc()
		log.Warn().
			Int64("drift_minor", drift).
			Int64("authoritative_minor", authoritative).
			Int64("stored_minor", totals.TotalMinor).
			Msg("Revenue drift detected, override recorded")
		return report, nil
	}

	metrics.ReconciliationChecks.WithLabelValues("matched").Inc()
	log.Debug().
		Int64("drift_minor", drift).
		Msg("Day verified within tolerance")
	return report, nil
}

// VerifyWindow verifies the trailing window ending at endDate (inclusive).
// A failing day is reported and skipped; it never aborts the rest of the
// window.
func (e *ReconciliationEngine) VerifyWindow(ctx context.Context, conn connector.ServiceConnector, endDate models.BusinessDate) []DayReport {
	reports := make([]DayReport, 0, e.settings.WindowDays)
	for i := 0; i < e.settings.WindowDays; i++ {
		date := endDate.AddDays(-i)
		report, err := e.VerifyDay(ctx, conn, date)
		if err != nil {
			logging.Ctx(ctx).Warn().
				Str("component", "reconcile").
				Str("tenant", conn.TenantID()).
				Str("business_date", date.ISO()).
				Err(err).
				Msg("Day verification failed, continuing window")
		}
		reports = append(reports, *report)

		if ctx.Err() != nil {
			break
		}
	}
	return reports
}
