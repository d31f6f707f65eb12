// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package api

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/engine"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/models"
)

// Syncer runs one day-scoped sync.
type Syncer interface {
	SyncDay(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) (*models.SyncRun, error)
}

// Reconciler verifies a trailing window of days.
type Reconciler interface {
	VerifyWindow(ctx context.Context, conn connector.ServiceConnector, endDate models.BusinessDate) []engine.DayReport
}

// CycleRunner runs the full daily orchestration cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*models.RunSummary, error)
	Yesterday() models.BusinessDate
}

// StatusStore is the slice of the store the status and health endpoints read.
type StatusStore interface {
	Ping(ctx context.Context) error
	RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// Handler carries the dependencies of every endpoint.
type Handler struct {
	store        StatusStore
	orchestrator CycleRunner
	syncer       Syncer
	reconciler   Reconciler
	connectors   []connector.ServiceConnector
}

// NewHandler creates the endpoint handler set.
func NewHandler(store StatusStore, orchestrator CycleRunner, syncer Syncer, reconciler Reconciler, connectors []connector.ServiceConnector) *Handler {
	return &Handler{
		store:        store,
		orchestrator: orchestrator,
		syncer:       syncer,
		reconciler:   reconciler,
		connectors:   connectors,
	}
}

func (h *Handler) connectorFor(tenantID string) connector.ServiceConnector {
	for _, c := range h.connectors {
		if c.TenantID() == tenantID {
			return c
		}
	}
	return nil
}

// SyncDaily triggers one orchestration cycle: every stale tenant syncs
// yesterday's ledger. Designed to be called by the external scheduler; the
// response reports per-tenant outcomes even when some tenants fail.
func (h *Handler) SyncDaily(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	summary, err := h.orchestrator.RunCycle(r.Context())
	if err != nil {
		rw.InternalError("orchestration cycle failed: " + err.Error())
		return
	}
	rw.Success(summary)
}

// manualSyncRequest is the POST body of the manual sync trigger.
type manualSyncRequest struct {
	TenantID string `json:"tenant_id"`

	// Date is the business date to resync, "YYYY-MM-DD". Defaults to
	// yesterday in the venue timezone.
	Date string `json:"date,omitempty"`
}

// SyncManual resyncs one explicit (tenant, day) for backfills and incident
// recovery. Replaying a day is safe: the day is replaced wholesale, never
// appended to.
func (h *Handler) SyncManual(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req manualSyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}
	if req.TenantID == "" {
		rw.BadRequest("tenant_id is required")
		return
	}

	conn := h.connectorFor(req.TenantID)
	if conn == nil {
		rw.NotFound("unknown tenant: " + req.TenantID)
		return
	}

	date := h.orchestrator.Yesterday()
	if req.Date != "" {
		parsed, err := models.ParseBusinessDate(req.Date)
		if err != nil {
			rw.BadRequest("invalid date, want YYYY-MM-DD: " + req.Date)
			return
		}
		date = parsed
	}

	run, err := h.syncer.SyncDay(r.Context(), conn, date)
	if err != nil {
		// The run record carries the classified failure; surface both.
		rw.writeJSON(http.StatusBadGateway, APIResponse{
			Success: false,
			Data:    run,
			Error: &APIError{
				Code:      ErrCodeServiceUnavailable,
				Message:   err.Error(),
				RequestID: logging.RequestIDFromContext(r.Context()),
			},
		})
		return
	}
	rw.Success(run)
}

// ReconcileDaily verifies the trailing window for every tenant and records
// overrides where the provider disagrees with the stored ledger.
func (h *Handler) ReconcileDaily(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	end := h.orchestrator.Yesterday()

	reports := make([]engine.DayReport, 0, len(h.connectors)*7)
	for _, conn := range h.connectors {
		reports = append(reports, h.reconciler.VerifyWindow(r.Context(), conn, end)...)
	}

	overrides := 0
	failures := 0
	for _, rep := range reports {
		if rep.OverrideCreated {
			overrides++
		}
		if rep.Error != "" {
			failures++
		}
	}

	rw.Success(map[string]any{
		"window_end":        end.ISO(),
		"days_verified":     len(reports),
		"overrides_created": overrides,
		"failures":          failures,
		"reports":           reports,
	})
}

// connectorStatus is the per-connector entry of the status payload.
type connectorStatus struct {
	Tenant   string            `json:"tenant"`
	Provider string            `json:"provider"`
	Health   connector.Metrics `json:"health"`
}

// Status reports connector health, the latest orchestration snapshot, and
// recent sync runs.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	conns := make([]connectorStatus, 0, len(h.connectors))
	for _, c := range h.connectors {
		conns = append(conns, connectorStatus{
			Tenant:   c.TenantID(),
			Provider: c.Provider(),
			Health:   c.Metrics(),
		})
	}

	snapshot, err := h.store.LatestSnapshot(r.Context())
	if err != nil {
		rw.InternalError("failed to load snapshot: " + err.Error())
		return
	}
	runs, err := h.store.RecentRuns(r.Context(), 20)
	if err != nil {
		rw.InternalError("failed to load sync runs: " + err.Error())
		return
	}

	rw.Success(map[string]any{
		"connectors":    conns,
		"last_snapshot": snapshot,
		"recent_runs":   runs,
	})
}

// ResetBreaker returns one tenant's circuit breaker to closed after an
// operator has confirmed the provider incident is over.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}
	conn := h.connectorFor(req.TenantID)
	if conn == nil {
		rw.NotFound("unknown tenant: " + req.TenantID)
		return
	}

	conn.ResetBreaker()
	rw.Success(map[string]string{"tenant": req.TenantID, "breaker": "closed"})
}

// TestConnection exercises one tenant's connector end to end against the
// live provider, for onboarding and incident diagnosis.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}
	conn := h.connectorFor(req.TenantID)
	if conn == nil {
		rw.NotFound("unknown tenant: " + req.TenantID)
		return
	}

	if err := conn.ValidateCredentials(r.Context()); err != nil {
		rw.Error(http.StatusBadGateway, ErrCodeServiceUnavailable, "credential validation failed: "+err.Error())
		return
	}
	if err := conn.TestConnection(r.Context()); err != nil {
		rw.Error(http.StatusBadGateway, ErrCodeServiceUnavailable, "connection test failed: "+err.Error())
		return
	}
	rw.Success(map[string]string{"tenant": req.TenantID, "provider": conn.Provider(), "connection": "ok"})
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "database unreachable: "+err.Error())
		return
	}
	rw.Success(map[string]string{"status": "ok"})
}
