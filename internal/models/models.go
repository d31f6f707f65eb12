// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package models defines the internal data model shared across the sync,
// reconciliation, and storage layers.
//
// All monetary values are integer minor currency units (cents). Conversion
// from provider decimal amounts happens exactly once, inside the connector
// transform, so downstream arithmetic is exact.
package models

import (
	"fmt"
	"time"
)

// BusinessDate is a provider calendar-day bucket in YYYYMMDD form
// (e.g. 20260830). It may differ from the wall-clock UTC date because
// venues close after midnight; the provider decides which day a
// transaction belongs to.
type BusinessDate int

// BusinessDateOf buckets t into a business date in the venue's local
// time zone.
func BusinessDateOf(t time.Time, loc *time.Location) BusinessDate {
	local := t.In(loc)
	return BusinessDate(local.Year()*10000 + int(local.Month())*100 + local.Day())
}

// ParseBusinessDate parses "YYYY-MM-DD" into a BusinessDate.
func ParseBusinessDate(s string) (BusinessDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("invalid business date %q: %w", s, err)
	}
	return BusinessDate(t.Year()*10000 + int(t.Month())*100 + t.Day()), nil
}

// String renders the compact provider form, e.g. "20260830".
func (d BusinessDate) String() string {
	return fmt.Sprintf("%08d", int(d))
}

// ISO renders the dashed form, e.g. "2026-08-30".
func (d BusinessDate) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", int(d)/10000, int(d)/100%100, int(d)%100)
}

// AddDays returns the business date n calendar days after d (n may be
// negative).
func (d BusinessDate) AddDays(n int) BusinessDate {
	t := time.Date(int(d)/10000, time.Month(int(d)/100%100), int(d)%100, 0, 0, 0, 0, time.UTC)
	t = t.AddDate(0, 0, n)
	return BusinessDate(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// Transaction is one settled payment against one check, flattened from the
// provider's order→checks→payments nesting. A single order can therefore
// produce several Transactions.
type Transaction struct {
	// TransactionID is the provider-native payment identifier and the
	// primary key within a (tenant, business date) scope.
	TransactionID string
	TenantID      string
	Provider      string
	BusinessDate  BusinessDate
	CreatedAt     time.Time

	TotalAmountMinor         int64
	TaxAmountMinor           int64
	TipAmountMinor           int64
	DiscountAmountMinor      int64
	ServiceChargeAmountMinor int64

	ItemCount       int
	UniqueItemCount int

	SourceType string // order source as reported by the provider (In Store, API, ...)
	Status     string // payment type (CREDIT, CASH, ...)
	Voided     bool

	LineItems []LineItem
}

// LineItem is one menu selection on a check, kept for item-level reporting.
type LineItem struct {
	SelectionID   string
	TransactionID string
	ItemName      string
	Quantity      float64
	PriceMinor    int64
	TaxMinor      int64
	Voided        bool
}

// SyncRun is the append-only audit record of one day-scoped synchronization.
// It is created when the sync starts and finalized when it ends; it is never
// mutated afterward.
type SyncRun struct {
	ID                string
	TenantID          string
	Provider          string
	BusinessDate      BusinessDate
	PagesFetched      int
	RecordsWritten    int
	RevenueTotalMinor int64
	StartedAt         time.Time
	DurationMs        int64
	Outcome           string // "success" or "failed"
	Error             string // failure reason when Outcome is "failed"
}

// OutcomeSuccess is the Outcome value of a completed SyncRun.
const OutcomeSuccess = "success"

// RevenueOverride records a provider-authoritative daily total that
// supersedes the synced figure. At most one override exists per
// (tenant, business date); later reconciliations replace it.
type RevenueOverride struct {
	TenantID                string
	BusinessDate            BusinessDate
	AuthoritativeTotalMinor int64
	CheckCount              int
	CreatedAt               time.Time
	Note                    string
}

// Snapshot marks one orchestrator cycle for observability. Providers are
// flagged as they complete; the summary is attached when the cycle ends and
// the row is immutable afterward.
type Snapshot struct {
	ID               string
	CreatedAt        time.Time
	ProvidersFetched map[string]bool
	DurationMs       int64
	Summary          *RunSummary
}

// TenantResult is the per-tenant outcome of one orchestrator cycle.
type TenantResult struct {
	TenantID string   `json:"tenant_id"`
	Synced   []string `json:"synced,omitempty"`  // providers synced this cycle
	Skipped  []string `json:"skipped,omitempty"` // providers still fresh
	Error    string   `json:"error,omitempty"`
}

// RunSummary aggregates one orchestrator cycle across all tenants.
type RunSummary struct {
	TotalTenants int            `json:"total_tenants"`
	Processed    int            `json:"processed"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Tenants      []TenantResult `json:"tenants"`
}
