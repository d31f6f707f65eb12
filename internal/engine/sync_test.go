// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/venuehq/tillsync/internal/connector"
	"github.com/venuehq/tillsync/internal/models"
)

func TestSyncDaySuccess(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{ordersPage("p1", 5, 12.50)}

	e := NewSyncEngine(st, 0)
	run, err := e.SyncDay(context.Background(), conn, date)
	if err != nil {
		t.Fatalf("SyncDay() error = %v", err)
	}

	if run.Outcome != models.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", run.Outcome)
	}
	if run.PagesFetched != 1 {
		t.Errorf("pages = %d, want 1", run.PagesFetched)
	}
	if run.RecordsWritten != 5 {
		t.Errorf("records written = %d, want 5", run.RecordsWritten)
	}
	if run.RevenueTotalMinor != 5*1250 {
		t.Errorf("revenue = %d, want %d", run.RevenueTotalMinor, 5*1250)
	}
	if len(st.runs) != 1 {
		t.Errorf("persisted runs = %d, want 1", len(st.runs))
	}
	if got := len(st.storedDay("tenant-1", "toast", date)); got != 5 {
		t.Errorf("stored transactions = %d, want 5", got)
	}
}

func TestSyncDayPaginatesUntilShortPage(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{
		ordersPage("p1", connector.PageSize, 10),
		ordersPage("p2", connector.PageSize, 10),
		ordersPage("p3", 37, 10),
	}

	e := NewSyncEngine(st, 0)
	run, err := e.SyncDay(context.Background(), conn, date)
	if err != nil {
		t.Fatalf("SyncDay() error = %v", err)
	}

	if run.PagesFetched != 3 {
		t.Errorf("pages = %d, want 3", run.PagesFetched)
	}
	if run.RecordsWritten != 2*connector.PageSize+37 {
		t.Errorf("records = %d, want %d", run.RecordsWritten, 2*connector.PageSize+37)
	}
	// The short third page ends pagination; no probe for a fourth.
	if got := conn.fetchCount(); got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}
}

func TestSyncDayResyncIsIdempotent(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{ordersPage("p1", 4, 25)}

	e := NewSyncEngine(st, 0)
	for i := 0; i < 3; i++ {
		if _, err := e.SyncDay(context.Background(), conn, date); err != nil {
			t.Fatalf("SyncDay() run %d error = %v", i, err)
		}
	}

	if got := len(st.storedDay("tenant-1", "toast", date)); got != 4 {
		t.Errorf("stored transactions after 3 syncs = %d, want 4 (no duplicates)", got)
	}
}

func TestSyncDayFetchFailureLeavesStoreUntouched(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{
		ordersPage("p1", connector.PageSize, 10),
		ordersPage("p2", 50, 10),
	}
	conn.failPage = 2
	conn.failErr = connector.NewError(connector.CodeTimeout, "request timed out")

	// Seed the previous sync's data.
	prev := ordersPage("old", 2, 99)
	if _, err := st.ReplaceDay(context.Background(), "tenant-1", "toast", date, conn.Transform(prev, date)); err != nil {
		t.Fatalf("seed error = %v", err)
	}
	callsBefore := st.replaceCall

	e := NewSyncEngine(st, 0)
	run, err := e.SyncDay(context.Background(), conn, date)
	if err == nil {
		t.Fatal("SyncDay() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "TIMEOUT") {
		t.Errorf("error = %v, want classified TIMEOUT", err)
	}

	if run.Outcome != "failed" {
		t.Errorf("outcome = %q, want failed", run.Outcome)
	}
	if st.replaceCall != callsBefore {
		t.Error("store was written during a failed fetch")
	}
	if got := len(st.storedDay("tenant-1", "toast", date)); got != 2 {
		t.Errorf("previous day data = %d transactions, want 2 (untouched)", got)
	}
	if len(st.runs) != 1 {
		t.Fatalf("persisted runs = %d, want 1", len(st.runs))
	}
	if st.runs[0].Error == "" {
		t.Error("failed run has empty error")
	}
}

func TestSyncDayStoreFailureRecorded(t *testing.T) {
	st := newFakeStore()
	st.replaceErr = errors.New("disk full")
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{ordersPage("p1", 1, 10)}

	e := NewSyncEngine(st, 0)
	_, err := e.SyncDay(context.Background(), conn, date)
	if err == nil {
		t.Fatal("SyncDay() error = nil, want store failure")
	}
	if len(st.runs) != 1 || st.runs[0].Outcome != "failed" {
		t.Errorf("runs = %+v, want one failed run", st.runs)
	}
}

func TestSyncDayHonorsMaxPages(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	conn.pages[date] = [][]connector.Order{
		ordersPage("p1", connector.PageSize, 10),
		ordersPage("p2", connector.PageSize, 10),
		ordersPage("p3", connector.PageSize, 10),
	}

	e := NewSyncEngine(st, 2)
	run, err := e.SyncDay(context.Background(), conn, date)
	if err != nil {
		t.Fatalf("SyncDay() error = %v", err)
	}
	if run.PagesFetched != 2 {
		t.Errorf("pages = %d, want 2 (capped)", run.PagesFetched)
	}
	if run.RecordsWritten != 2*connector.PageSize {
		t.Errorf("records = %d, want %d", run.RecordsWritten, 2*connector.PageSize)
	}
}

func TestSyncDayEmptyDay(t *testing.T) {
	st := newFakeStore()
	conn := newFakeConnector("tenant-1")
	date := models.BusinessDate(20260830)
	// No pages registered: provider returns an empty first page.

	e := NewSyncEngine(st, 0)
	run, err := e.SyncDay(context.Background(), conn, date)
	if err != nil {
		t.Fatalf("SyncDay() error = %v", err)
	}
	if run.Outcome != models.OutcomeSuccess {
		t.Errorf("outcome = %q, want success (closed day is not an error)", run.Outcome)
	}
	if run.RecordsWritten != 0 {
		t.Errorf("records = %d, want 0", run.RecordsWritten)
	}
}
