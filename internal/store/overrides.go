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

	"github.com/venuehq/tillsync/internal/models"
)

// UpsertOverride writes the provider-authoritative daily total for one
// (tenant, business date), replacing any earlier override for the same day.
func (s *Store) UpsertOverride(ctx context.Context, o *models.RevenueOverride) (err error) {
	start := time.Now()
	defer func() { observe("upsert", "revenue_overrides", start, err) }()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO revenue_overrides (
			tenant_id, business_date, authoritative_total_minor,
			check_count, created_at, note
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, business_date) DO UPDATE SET
			authoritative_total_minor = excluded.authoritative_total_minor,
			check_count = excluded.check_count,
			created_at = excluded.created_at,
			note = excluded.note`,
		o.TenantID, int(o.BusinessDate), o.AuthoritativeTotalMinor,
		o.CheckCount, o.CreatedAt, o.Note,
	)
	if err != nil {
		return fmt.Errorf("upsert revenue override: %w", err)
	}
	return nil
}

// GetOverride returns the override for one (tenant, day), or nil when none
// exists.
func (s *Store) GetOverride(ctx context.Context, tenantID string, date models.BusinessDate) (o *models.RevenueOverride, err error) {
	start := time.Now()
	defer func() { observe("get", "revenue_overrides", start, err) }()

	var ov models.RevenueOverride
	var day int
	err = s.conn.QueryRowContext(ctx, `
		SELECT tenant_id, business_date, authoritative_total_minor,
			check_count, created_at, COALESCE(note, '')
		FROM revenue_overrides
		WHERE tenant_id = ? AND business_date = ?`,
		tenantID, int(date)).Scan(
		&ov.TenantID, &day, &ov.AuthoritativeTotalMinor,
		&ov.CheckCount, &ov.CreatedAt, &ov.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query revenue override: %w", err)
	}
	ov.BusinessDate = models.BusinessDate(day)
	return &ov, nil
}
