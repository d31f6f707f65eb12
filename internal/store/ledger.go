// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/venuehq/tillsync/internal/models"
)

// insertBatchSize bounds multi-row INSERT statements so a high-volume day
// never builds one enormous statement.
const insertBatchSize = 25

// ReplaceDay atomically replaces the ledger for one (tenant, provider, day):
// existing transactions and line items for the day are deleted and the given
// set inserted, all inside a single database transaction. Readers never
// observe a partially synced day; on error the previous day's data is
// untouched. Returns the number of transactions written.
func (s *Store) ReplaceDay(ctx context.Context, tenantID, provider string, date models.BusinessDate, txns []models.Transaction) (written int, err error) {
	start := time.Now()
	defer func() { observe("replace_day", "transactions", start, err) }()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace-day transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM line_items WHERE tenant_id = ? AND provider = ? AND business_date = ?`,
		tenantID, provider, int(date)); err != nil {
		return 0, fmt.Errorf("delete line items for day %s: %w", date, err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM transactions WHERE tenant_id = ? AND provider = ? AND business_date = ?`,
		tenantID, provider, int(date)); err != nil {
		return 0, fmt.Errorf("delete transactions for day %s: %w", date, err)
	}

	for batchStart := 0; batchStart < len(txns); batchStart += insertBatchSize {
		batchEnd := min(batchStart+insertBatchSize, len(txns))
		if err = insertTransactionBatch(ctx, tx, txns[batchStart:batchEnd]); err != nil {
			return 0, fmt.Errorf("insert transaction batch at %d: %w", batchStart, err)
		}
	}

	var items []models.LineItem
	for _, txn := range txns {
		items = append(items, txn.LineItems...)
	}
	for batchStart := 0; batchStart < len(items); batchStart += insertBatchSize {
		batchEnd := min(batchStart+insertBatchSize, len(items))
		if err = insertLineItemBatch(ctx, tx, tenantID, provider, date, items[batchStart:batchEnd]); err != nil {
			return 0, fmt.Errorf("insert line item batch at %d: %w", batchStart, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace-day transaction: %w", err)
	}
	return len(txns), nil
}

func insertTransactionBatch(ctx context.Context, tx *sql.Tx, txns []models.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO transactions (
		transaction_id, tenant_id, provider, business_date, created_at,
		total_amount_minor, tax_amount_minor, tip_amount_minor,
		discount_amount_minor, service_charge_amount_minor,
		item_count, unique_item_count, source_type, status, voided
	) VALUES `)

	args := make([]any, 0, len(txns)*15)
	for i, t := range txns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		var createdAt any
		if !t.CreatedAt.IsZero() {
			createdAt = t.CreatedAt
		}
		args = append(args,
			t.TransactionID, t.TenantID, t.Provider, int(t.BusinessDate), createdAt,
			t.TotalAmountMinor, t.TaxAmountMinor, t.TipAmountMinor,
			t.DiscountAmountMinor, t.ServiceChargeAmountMinor,
			t.ItemCount, t.UniqueItemCount, t.SourceType, t.Status, t.Voided,
		)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func insertLineItemBatch(ctx context.Context, tx *sql.Tx, tenantID, provider string, date models.BusinessDate, items []models.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO line_items (
		selection_id, transaction_id, tenant_id, provider, business_date,
		item_name, quantity, price_minor, tax_minor, voided
	) VALUES `)

	args := make([]any, 0, len(items)*10)
	for i, li := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			li.SelectionID, li.TransactionID, tenantID, provider, int(date),
			li.ItemName, li.Quantity, li.PriceMinor, li.TaxMinor, li.Voided,
		)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// DayTotals aggregates one stored day.
type DayTotals struct {
	TransactionCount int
	TotalMinor       int64
	TaxMinor         int64
	TipMinor         int64
}

// SumDay returns the stored aggregates for one (tenant, provider, day).
// Voided transactions are excluded.
func (s *Store) SumDay(ctx context.Context, tenantID, provider string, date models.BusinessDate) (totals DayTotals, err error) {
	start := time.Now()
	defer func() { observe("sum_day", "transactions", start, err) }()

	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(total_amount_minor), 0),
			COALESCE(SUM(tax_amount_minor), 0),
			COALESCE(SUM(tip_amount_minor), 0)
		FROM transactions
		WHERE tenant_id = ? AND provider = ? AND business_date = ? AND NOT voided`,
		tenantID, provider, int(date))

	if err = row.Scan(&totals.TransactionCount, &totals.TotalMinor, &totals.TaxMinor, &totals.TipMinor); err != nil {
		return DayTotals{}, fmt.Errorf("sum day %s: %w", date, err)
	}
	return totals, nil
}

// CountDay returns the number of stored transactions for one day.
func (s *Store) CountDay(ctx context.Context, tenantID, provider string, date models.BusinessDate) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE tenant_id = ? AND provider = ? AND business_date = ?`,
		tenantID, provider, int(date)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count day %s: %w", date, err)
	}
	return n, nil
}
