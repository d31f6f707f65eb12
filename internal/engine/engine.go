// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package engine contains the day-sync, reconciliation, and orchestration
// logic. Engines receive their dependencies explicitly so tests can swap in
// fakes; nothing here reaches for globals beyond logging and metrics.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/venuehq/tillsync/internal/models"
	"github.com/venuehq/tillsync/internal/store"
)

// Store is the persistence surface the engines require. *store.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	ReplaceDay(ctx context.Context, tenantID, provider string, date models.BusinessDate, txns []models.Transaction) (int, error)
	SumDay(ctx context.Context, tenantID, provider string, date models.BusinessDate) (store.DayTotals, error)
	InsertSyncRun(ctx context.Context, run *models.SyncRun) error
	LastSuccessfulSync(ctx context.Context, tenantID, provider string) (time.Time, error)
	UpsertOverride(ctx context.Context, o *models.RevenueOverride) error
	InsertSnapshot(ctx context.Context, snap *models.Snapshot) error
	UpdateSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// keyedMutex serializes work per string key while leaving distinct keys
// fully concurrent. Mutexes are retained for the process lifetime; the key
// space (tenant x provider x recent days) is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func dayKey(tenantID, provider string, date models.BusinessDate) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, provider, int(date))
}
