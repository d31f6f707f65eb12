// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/venuehq/tillsync/internal/logging"
)

var errBoom = errors.New("boom")

func failNTimes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := b.Execute(func() (any, error) { return nil, errBoom }); err == nil {
			t.Fatal("Execute() succeeded, want failure")
		}
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test-open", BreakerSettings{FailureThreshold: 3, ResetTimeout: time.Minute})

	failNTimes(t, b, 2)
	if got := b.State(); got != gobreaker.StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	failNTimes(t, b, 1)
	if got := b.State(); got != gobreaker.StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}

	_, err := b.Execute(func() (any, error) { return "never", nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Execute() on open breaker error = %v, want ErrOpenState", err)
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("test-reset-count", BreakerSettings{FailureThreshold: 3, ResetTimeout: time.Minute})

	failNTimes(t, b, 2)
	if _, err := b.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	failNTimes(t, b, 2)

	if got := b.State(); got != gobreaker.StateClosed {
		t.Fatalf("state = %s, want closed after success interleaved", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("test-recover", BreakerSettings{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	failNTimes(t, b, 2)
	if got := b.State(); got != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(80 * time.Millisecond)

	// Trial call in half-open; success closes the breaker.
	if _, err := b.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("half-open trial error = %v", err)
	}
	if got := b.State(); got != gobreaker.StateClosed {
		t.Fatalf("state after trial success = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("test-reopen", BreakerSettings{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	failNTimes(t, b, 2)
	time.Sleep(80 * time.Millisecond)

	failNTimes(t, b, 1)
	if got := b.State(); got != gobreaker.StateOpen {
		t.Fatalf("state after trial failure = %s, want open", got)
	}
}

func TestBreakerTransitionsLogged(t *testing.T) {
	var buf bytes.Buffer
	logging.SetLogger(logging.NewTestLogger(&buf))
	defer logging.SetLogger(logging.NewTestLogger(io.Discard))

	b := NewBreaker("test-logged", BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Hour})

	failNTimes(t, b, 1)
	if out := buf.String(); !strings.Contains(out, "Circuit breaker state changed") {
		t.Errorf("trip output = %q, want state change line", out)
	}

	buf.Reset()
	b.Reset()
	if out := buf.String(); !strings.Contains(out, "manually reset") {
		t.Errorf("reset output = %q, want manual reset line", out)
	}
}

func TestBreakerManualReset(t *testing.T) {
	b := NewBreaker("test-manual", BreakerSettings{FailureThreshold: 2, ResetTimeout: time.Hour})

	failNTimes(t, b, 2)
	if got := b.State(); got != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	b.Reset()

	if got := b.State(); got != gobreaker.StateClosed {
		t.Fatalf("state after Reset = %s, want closed", got)
	}
	if got := b.Counts().ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures after Reset = %d, want 0", got)
	}
	if _, err := b.Execute(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("Execute() after Reset error = %v", err)
	}
}
