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

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/venuehq/tillsync/internal/models"
)

// InsertSnapshot marks the start of an orchestrator cycle. The summary and
// provider flags are usually empty at this point and filled in by
// UpdateSnapshot when the cycle ends; a row without a summary is a cycle
// that started but never finished.
func (s *Store) InsertSnapshot(ctx context.Context, snap *models.Snapshot) (err error) {
	start := time.Now()
	defer func() { observe("insert", "snapshots", start, err) }()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	providers, summary, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO snapshots (id, created_at, duration_ms, providers_fetched, summary)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.CreatedAt, snap.DurationMs, providers, summary)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshot finalizes a cycle's snapshot with the provider completion
// flags, duration, and summary. The summary is stored as JSON so the status
// endpoint can replay it verbatim.
func (s *Store) UpdateSnapshot(ctx context.Context, snap *models.Snapshot) (err error) {
	start := time.Now()
	defer func() { observe("update", "snapshots", start, err) }()

	providers, summary, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE snapshots SET duration_ms = ?, providers_fetched = ?, summary = ?
		WHERE id = ?`,
		snap.DurationMs, providers, summary, snap.ID)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	return nil
}

func marshalSnapshot(snap *models.Snapshot) (providers, summary string, err error) {
	if snap.ProvidersFetched != nil {
		raw, err := json.Marshal(snap.ProvidersFetched)
		if err != nil {
			return "", "", fmt.Errorf("marshal snapshot providers: %w", err)
		}
		providers = string(raw)
	}
	if snap.Summary != nil {
		raw, err := json.Marshal(snap.Summary)
		if err != nil {
			return "", "", fmt.Errorf("marshal snapshot summary: %w", err)
		}
		summary = string(raw)
	}
	return providers, summary, nil
}

// LatestSnapshot returns the most recent orchestrator snapshot, or nil when
// no cycle has completed yet.
func (s *Store) LatestSnapshot(ctx context.Context) (snap *models.Snapshot, err error) {
	start := time.Now()
	defer func() { observe("latest", "snapshots", start, err) }()

	var sn models.Snapshot
	var providers, summary string
	err = s.conn.QueryRowContext(ctx, `
		SELECT id, created_at, duration_ms, COALESCE(providers_fetched, ''), summary
		FROM snapshots ORDER BY created_at DESC LIMIT 1`).
		Scan(&sn.ID, &sn.CreatedAt, &sn.DurationMs, &providers, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}

	if providers != "" {
		if err := json.Unmarshal([]byte(providers), &sn.ProvidersFetched); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot providers: %w", err)
		}
	}
	if summary != "" {
		sn.Summary = &models.RunSummary{}
		if err := json.Unmarshal([]byte(summary), sn.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot summary: %w", err)
		}
	}
	return &sn, nil
}
