// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/engine"
	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/models"
)

const testSecret = "test-trigger-secret-0123456789"

func TestMain(m *testing.M) {
	logging.SetLogger(logging.NewTestLogger(io.Discard))
	os.Exit(m.Run())
}

type fakeStatusStore struct {
	pingErr  error
	runs     []models.SyncRun
	snapshot *models.Snapshot
}

func (f *fakeStatusStore) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeStatusStore) RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	return f.runs, nil
}
func (f *fakeStatusStore) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	return f.snapshot, nil
}

type fakeOrchestrator struct {
	summary *models.RunSummary
	err     error
	date    models.BusinessDate
}

func (f *fakeOrchestrator) RunCycle(ctx context.Context) (*models.RunSummary, error) {
	return f.summary, f.err
}
func (f *fakeOrchestrator) Yesterday() models.BusinessDate { return f.date }

type fakeSyncer struct {
	run      *models.SyncRun
	err      error
	gotDate  models.BusinessDate
	gotCalls int
}

func (f *fakeSyncer) SyncDay(ctx context.Context, conn connector.ServiceConnector, date models.BusinessDate) (*models.SyncRun, error) {
	f.gotDate = date
	f.gotCalls++
	return f.run, f.err
}

type fakeReconciler struct {
	reports []engine.DayReport
}

func (f *fakeReconciler) VerifyWindow(ctx context.Context, conn connector.ServiceConnector, end models.BusinessDate) []engine.DayReport {
	return f.reports
}

type fakeConn struct {
	tenantID string
	resets   int
}

func (c *fakeConn) Provider() string { return "toast" }
func (c *fakeConn) TenantID() string { return c.tenantID }

func (c *fakeConn) ValidateCredentials(ctx context.Context) error { return nil }
func (c *fakeConn) TestConnection(ctx context.Context) error      { return nil }
func (c *fakeConn) FetchPage(ctx context.Context, date models.BusinessDate, page int) connector.FetchResult[connector.Page] {
	return connector.FetchResult[connector.Page]{Success: true, Timestamp: time.Now()}
}
func (c *fakeConn) Transform(orders []connector.Order, date models.BusinessDate) []models.Transaction {
	return nil
}
func (c *fakeConn) Metrics() connector.Metrics { return connector.Metrics{Service: "toast/" + c.tenantID} }
func (c *fakeConn) ResetBreaker()              { c.resets++ }

type testEnv struct {
	router       http.Handler
	store        *fakeStatusStore
	orchestrator *fakeOrchestrator
	syncer       *fakeSyncer
	conn         *fakeConn
}

func newTestEnv() *testEnv {
	st := &fakeStatusStore{}
	orch := &fakeOrchestrator{
		summary: &models.RunSummary{TotalTenants: 1, Processed: 1},
		date:    models.BusinessDate(20260830),
	}
	syn := &fakeSyncer{run: &models.SyncRun{Outcome: models.OutcomeSuccess, RecordsWritten: 5}}
	rec := &fakeReconciler{}
	conn := &fakeConn{tenantID: "tenant-1"}

	h := NewHandler(st, orch, syn, rec, []connector.ServiceConnector{conn})
	router := NewRouter(h, RouterConfig{TriggerSecret: testSecret, RateLimitReqs: 0})
	return &testEnv{router: router, store: st, orchestrator: orch, syncer: syn, conn: conn}
}

func doRequest(t *testing.T, router http.Handler, method, path, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func TestTriggerRequiresSecret(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"missing secret", "", http.StatusUnauthorized},
		{"wrong secret", "wrong-secret", http.StatusUnauthorized},
		{"correct secret", testSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/daily", "", tt.secret)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSyncDailyReturnsSummary(t *testing.T) {
	env := newTestEnv()
	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/daily", "", testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %+v", resp.Error)
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	var summary models.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 1 {
		t.Errorf("processed = %d, want 1", summary.Processed)
	}
}

func TestSyncDailyCycleFailure(t *testing.T) {
	env := newTestEnv()
	env.orchestrator.err = errors.New("cycle deadline exceeded")
	env.orchestrator.summary = nil

	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/daily", "", testSecret)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Success || resp.Error == nil {
		t.Error("expected error envelope")
	}
}

func TestSyncManual(t *testing.T) {
	env := newTestEnv()
	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/manual",
		`{"tenant_id":"tenant-1","date":"2026-08-15"}`, testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.syncer.gotDate != models.BusinessDate(20260815) {
		t.Errorf("synced date = %d, want 20260815", env.syncer.gotDate)
	}
}

func TestSyncManualDefaultsToYesterday(t *testing.T) {
	env := newTestEnv()
	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/manual",
		`{"tenant_id":"tenant-1"}`, testSecret)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.syncer.gotDate != env.orchestrator.date {
		t.Errorf("synced date = %d, want yesterday %d", env.syncer.gotDate, env.orchestrator.date)
	}
}

func TestSyncManualValidation(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing tenant", `{"date":"2026-08-15"}`, http.StatusBadRequest},
		{"unknown tenant", `{"tenant_id":"nope"}`, http.StatusNotFound},
		{"bad date", `{"tenant_id":"tenant-1","date":"15/08/2026"}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/manual", tt.body, testSecret)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if env.syncer.gotCalls != 0 {
		t.Errorf("syncer called %d times by invalid requests, want 0", env.syncer.gotCalls)
	}
}

func TestSyncManualProviderFailure(t *testing.T) {
	env := newTestEnv()
	env.syncer.err = errors.New("TIMEOUT: request timed out")
	env.syncer.run = &models.SyncRun{Outcome: "failed", Error: "TIMEOUT: request timed out"}

	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/sync/manual",
		`{"tenant_id":"tenant-1"}`, testSecret)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Success {
		t.Error("success = true for failed sync")
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "TIMEOUT") {
		t.Errorf("error = %+v, want TIMEOUT message", resp.Error)
	}
}

func TestReconcileDaily(t *testing.T) {
	st := &fakeStatusStore{}
	orch := &fakeOrchestrator{date: models.BusinessDate(20260830)}
	rec := &fakeReconciler{reports: []engine.DayReport{
		{TenantID: "tenant-1", BusinessDate: 20260830, DriftMinor: 0},
		{TenantID: "tenant-1", BusinessDate: 20260829, DriftMinor: 500, OverrideCreated: true},
		{TenantID: "tenant-1", BusinessDate: 20260828, Error: "NETWORK_ERROR: boom"},
	}}
	h := NewHandler(st, orch, &fakeSyncer{}, rec, []connector.ServiceConnector{&fakeConn{tenantID: "tenant-1"}})
	router := NewRouter(h, RouterConfig{TriggerSecret: testSecret})

	res := doRequest(t, router, http.MethodPost, "/api/v1/reconcile/daily", "", testSecret)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	resp := decodeResponse(t, res)
	payload := resp.Data.(map[string]any)
	if payload["overrides_created"].(float64) != 1 {
		t.Errorf("overrides_created = %v, want 1", payload["overrides_created"])
	}
	if payload["failures"].(float64) != 1 {
		t.Errorf("failures = %v, want 1", payload["failures"])
	}
	if payload["days_verified"].(float64) != 3 {
		t.Errorf("days_verified = %v, want 3", payload["days_verified"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv()
	env.store.runs = []models.SyncRun{{ID: "r1", Outcome: models.OutcomeSuccess}}
	env.store.snapshot = &models.Snapshot{ID: "s1", Summary: &models.RunSummary{Processed: 2}}

	rec := doRequest(t, env.router, http.MethodGet, "/api/v1/status", "", testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	payload := resp.Data.(map[string]any)
	if payload["last_snapshot"] == nil {
		t.Error("last_snapshot missing")
	}
	conns := payload["connectors"].([]any)
	if len(conns) != 1 {
		t.Errorf("connectors = %d, want 1", len(conns))
	}
}

func TestBreakerReset(t *testing.T) {
	env := newTestEnv()
	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/breaker/reset",
		`{"tenant_id":"tenant-1"}`, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.conn.resets != 1 {
		t.Errorf("breaker resets = %d, want 1", env.conn.resets)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	env := newTestEnv()

	rec := doRequest(t, env.router, http.MethodPost, "/api/v1/connectors/test",
		`{"tenant_id":"tenant-1"}`, testSecret)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, env.router, http.MethodPost, "/api/v1/connectors/test",
		`{"tenant_id":"nope"}`, testSecret)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tenant status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv()

	rec := doRequest(t, env.router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200 (no auth required)", rec.Code)
	}

	env.store.pingErr = errors.New("connection refused")
	rec = doRequest(t, env.router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointOpen(t *testing.T) {
	env := newTestEnv()
	rec := doRequest(t, env.router, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200 (no auth required)", rec.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "fixed-id-123" {
		t.Errorf("X-Request-ID = %q, want fixed-id-123", got)
	}
}
