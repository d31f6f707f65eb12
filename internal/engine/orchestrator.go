// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/models"
)

// OrchestratorSettings tunes one orchestrator instance.
type OrchestratorSettings struct {
	// Freshness is how recently a (tenant, provider) must have synced for
	// the cycle to skip it.
	Freshness time.Duration

	// MaxConcurrent bounds simultaneous tenant syncs.
	MaxConcurrent int

	// CycleDeadline bounds one RunCycle end to end.
	CycleDeadline time.Duration

	// Location is the venue operating timezone used to pick "yesterday".
	Location *time.Location
}

// Orchestrator drives the daily cycle: for every registered connector it
// checks staleness, syncs yesterday's ledger where stale, and records a
// snapshot of the whole cycle. Tenant failures are isolated; one tenant's
// broken credentials never block the rest.
type Orchestrator struct {
	store      Store
	sync       *SyncEngine
	connectors []connector.ServiceConnector
	settings   OrchestratorSettings

	// now is swappable for tests.
	now func() time.Time
}

// NewOrchestrator creates an orchestrator over the given connectors.
func NewOrchestrator(st Store, syncEngine *SyncEngine, connectors []connector.ServiceConnector, settings OrchestratorSettings) *Orchestrator {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}
	return &Orchestrator{
		store:      st,
		sync:       syncEngine,
		connectors: connectors,
		settings:   settings,
		now:        time.Now,
	}
}

// Yesterday returns the business date the daily cycle targets.
func (o *Orchestrator) Yesterday() models.BusinessDate {
	return models.BusinessDateOf(o.now().In(o.settings.Location).AddDate(0, 0, -1), o.settings.Location)
}

// RunCycle executes one orchestration cycle and returns its summary. Every
// connector is attempted even when others fail; the summary and the
// persisted snapshot record the full per-tenant outcome.
func (o *Orchestrator) RunCycle(ctx context.Context) (*models.RunSummary, error) {
	started := o.now()
	if o.settings.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.CycleDeadline)
		defer cancel()
	}

	date := o.Yesterday()
	log := logging.Ctx(ctx).With().
		Str("component", "orchestrator").
		Str("business_date", date.ISO()).
		Logger()
	log.Info().Int("connectors", len(o.connectors)).Msg("Orchestration cycle started")

	// The snapshot row is created up front; a row that never gets its
	// summary is a cycle that died mid-flight.
	snap := &models.Snapshot{CreatedAt: started}
	if err := o.store.InsertSnapshot(ctx, snap); err != nil {
		log.Error().Err(err).Msg("Failed to record cycle snapshot")
	}

	sem := semaphore.NewWeighted(int64(o.settings.MaxConcurrent))
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]*models.TenantResult)
	providersFetched := make(map[string]bool)

	tenantResult := func(tenantID string) *models.TenantResult {
		r, ok := results[tenantID]
		if !ok {
			r = &models.TenantResult{TenantID: tenantID}
			results[tenantID] = r
		}
		return r
	}

	for _, conn := range o.connectors {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			r := tenantResult(conn.TenantID())
			if r.Error == "" {
				r.Error = "cycle deadline exceeded before sync started"
			}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(conn connector.ServiceConnector) {
			defer wg.Done()
			defer sem.Release(1)

			skipped, err := o.syncIfStale(ctx, conn, date)

			mu.Lock()
			defer mu.Unlock()
			r := tenantResult(conn.TenantID())
			switch {
			case err != nil:
				r.Error = err.Error()
			case skipped:
				r.Skipped = append(r.Skipped, conn.Provider())
			default:
				r.Synced = append(r.Synced, conn.Provider())
				providersFetched[conn.Provider()] = true
			}
		}(conn)
	}
	wg.Wait()

	summary := o.summarize(results)
	duration := o.now().Sub(started)
	log.Info().
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", duration).
		Msg("Orchestration cycle completed")

	snap.ProvidersFetched = providersFetched
	snap.DurationMs = duration.Milliseconds()
	snap.Summary = summary
	if err := o.store.UpdateSnapshot(ctx, snap); err != nil {
		log.Error().Err(err).Msg("Failed to finalize cycle snapshot")
	}

	return summary, nil
}

// syncIfStale syncs one connector unless its last successful sync is within
// the freshness window. Returns skipped=true when fresh.
func (o *Orchestrator) syncIfStale(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) (skipped bool, err error) {
	last, err := o.store.LastSuccessfulSync(ctx, conn.TenantID(), conn.Provider())
	if err != nil {
		return false, err
	}
	if !last.IsZero() && o.now().Sub(last) < o.settings.Freshness {
		logging.Ctx(ctx).Debug().
			Str("component", "orchestrator").
			Str("tenant", conn.TenantID()).
			Str("provider", conn.Provider()).
			Time("last_success", last).
			Msg("Provider fresh, skipping")
		return true, nil
	}

	_, err = o.sync.SyncDay(ctx, conn, date)
	return false, err
}

func (o *Orchestrator) summarize(results map[string]*models.TenantResult) *models.RunSummary {
	summary := &models.RunSummary{TotalTenants: len(results)}
	for _, r := range results {
		switch {
		case r.Error != "":
			summary.Failed++
		case len(r.Synced) > 0:
			summary.Processed++
		default:
			summary.Skipped++
		}
		summary.Tenants = append(summary.Tenants, *r)
	}
	sort.Slice(summary.Tenants, func(i, j int) bool {
		return summary.Tenants[i].TenantID < summary.Tenants[j].TenantID
	})
	return summary
}
