// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"context"
	"math"

	"github.com/venuehq/tillsync/internal/models"
)

// PageSize is the fixed page size requested from providers. A full page
// signals another page may follow; a short page terminates pagination.
const PageSize = 100

// Page is one page of normalized provider orders.
type Page struct {
	Orders []Order
	Number int
}

// Full reports whether the page was filled to capacity, meaning pagination
// should continue.
func (p Page) Full() bool {
	return len(p.Orders) == PageSize
}

// ServiceConnector is the provider abstraction the engines depend on. One
// connector instance serves one (tenant, provider) pair and carries its own
// circuit breaker and rate limiter.
type ServiceConnector interface {
	// Provider returns the provider slug, e.g. "toast".
	Provider() string

	// TenantID returns the tenant this connector serves.
	TenantID() string

	// ValidateCredentials verifies the provider credentials, authenticating
	// if needed. Returns a classified error on failure.
	ValidateCredentials(ctx context.Context) error

	// TestConnection performs a minimal end-to-end call against the
	// provider data API.
	TestConnection(ctx context.Context) error

	// FetchPage fetches one page of orders for the business date. Pages are
	// 1-based. Failures are reported in the envelope, never panicked or
	// returned as bare errors.
	FetchPage(ctx context.Context, date models.BusinessDate, page int) FetchResult[Page]

	// Transform flattens provider orders into ledger transactions. Pure and
	// deterministic; malformed orders are skipped, not fatal.
	Transform(orders []Order, date models.BusinessDate) []models.Transaction

	// Metrics returns the connector's health snapshot.
	Metrics() Metrics

	// ResetBreaker returns the circuit breaker to closed with zeroed
	// counters.
	ResetBreaker()
}

// Order is the normalized provider order shape shared by fetch, transform,
// and reconciliation. Field names follow the Toast orders API; other
// providers map into it.
type Order struct {
	GUID       string  `json:"guid"`
	OpenedDate string  `json:"openedDate"`
	Voided     bool    `json:"voided"`
	Source     string  `json:"source"`
	Checks     []Check `json:"checks"`
}

// Check is one check (bill) on an order.
type Check struct {
	GUID        string  `json:"guid"`
	Amount      float64 `json:"amount"`
	TotalAmount float64 `json:"totalAmount"`
	TaxAmount   float64 `json:"taxAmount"`
	Voided      bool    `json:"voided"`

	Payments              []Payment              `json:"payments"`
	Selections            []Selection            `json:"selections"`
	AppliedDiscounts      []AppliedDiscount      `json:"appliedDiscounts"`
	AppliedServiceCharges []AppliedServiceCharge `json:"appliedServiceCharges"`
}

// Payment is one tender applied to a check.
type Payment struct {
	GUID      string  `json:"guid"`
	Amount    float64 `json:"amount"`
	TipAmount float64 `json:"tipAmount"`
	Type      string  `json:"type"`
	PaidDate  string  `json:"paidDate"`
}

// Selection is one line item on a check.
type Selection struct {
	GUID     string  `json:"guid"`
	Voided   bool    `json:"voided"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Tax      float64 `json:"tax"`
	Item     struct {
		GUID string `json:"guid"`
	} `json:"item"`
	DisplayName string `json:"displayName"`
}

// AppliedDiscount is a discount applied at the check level.
type AppliedDiscount struct {
	DiscountAmount float64 `json:"discountAmount"`
}

// AppliedServiceCharge is a service charge applied at the check level.
type AppliedServiceCharge struct {
	ChargeAmount float64 `json:"chargeAmount"`
}

// ToMinor converts a major-unit decimal amount (e.g. dollars) to minor
// units (cents), rounding half away from zero to absorb float noise.
func ToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SumCheckTotals sums the non-voided check totals across orders, in minor
// units. This is the authoritative daily revenue figure reconciliation
// compares against the stored ledger.
func SumCheckTotals(orders []Order) (totalMinor int64, checkCount int) {
	for _, order := range orders {
		if order.Voided {
			continue
		}
		for _, check := range order.Checks {
			if check.Voided {
				continue
			}
			totalMinor += ToMinor(check.TotalAmount)
			checkCount++
		}
	}
	return totalMinor, checkCount
}
