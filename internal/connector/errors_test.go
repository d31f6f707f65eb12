// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/venuehq/tillsync/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetLogger(logging.NewTestLogger(io.Discard))
	os.Exit(m.Run())
}

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake network error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      Code
		wantRetryable bool
	}{
		{
			name:          "http 429 maps to rate limit",
			err:           &HTTPStatusError{Status: 429},
			wantCode:      CodeRateLimit,
			wantRetryable: true,
		},
		{
			name:          "http 401 maps to auth failed",
			err:           &HTTPStatusError{Status: 401},
			wantCode:      CodeAuthFailed,
			wantRetryable: false,
		},
		{
			name:          "http 403 maps to auth failed",
			err:           &HTTPStatusError{Status: 403},
			wantCode:      CodeAuthFailed,
			wantRetryable: false,
		},
		{
			name:          "http 500 maps to network error",
			err:           &HTTPStatusError{Status: 500},
			wantCode:      CodeNetworkError,
			wantRetryable: true,
		},
		{
			name:          "http 503 maps to network error",
			err:           &HTTPStatusError{Status: 503},
			wantCode:      CodeNetworkError,
			wantRetryable: true,
		},
		{
			name:          "http 404 maps to unknown",
			err:           &HTTPStatusError{Status: 404},
			wantCode:      CodeUnknown,
			wantRetryable: false,
		},
		{
			name:          "context deadline maps to timeout",
			err:           context.DeadlineExceeded,
			wantCode:      CodeTimeout,
			wantRetryable: true,
		},
		{
			name:          "net timeout maps to timeout",
			err:           &fakeNetError{timeout: true},
			wantCode:      CodeTimeout,
			wantRetryable: true,
		},
		{
			name:          "net error maps to network error",
			err:           &fakeNetError{},
			wantCode:      CodeNetworkError,
			wantRetryable: true,
		},
		{
			name:          "url error maps to network error",
			err:           &url.Error{Op: "Get", URL: "http://example.test", Err: errors.New("connection refused")},
			wantCode:      CodeNetworkError,
			wantRetryable: true,
		},
		{
			name:          "decode error maps to invalid response",
			err:           &DecodeError{Err: errors.New("unexpected end of JSON input")},
			wantCode:      CodeInvalidResponse,
			wantRetryable: false,
		},
		{
			name:          "plain error maps to unknown",
			err:           errors.New("something odd"),
			wantCode:      CodeUnknown,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Classify() code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Classify() retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if got.Timestamp.IsZero() {
				t.Error("Classify() timestamp is zero")
			}
		})
	}
}

func TestClassifyPassesThroughConnectorError(t *testing.T) {
	orig := NewError(CodeRateLimit, "slow down")
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	if got != orig {
		t.Errorf("Classify() = %+v, want original error passed through", got)
	}
}

func TestClassifyWrappedStatusError(t *testing.T) {
	err := fmt.Errorf("fetch page 3: %w", &HTTPStatusError{Status: 429, Body: "too many requests"})
	got := Classify(err)
	if got.Code != CodeRateLimit {
		t.Errorf("Classify() code = %s, want %s", got.Code, CodeRateLimit)
	}
	if got.Details != "too many requests" {
		t.Errorf("Classify() details = %q, want response body", got.Details)
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(CodeTimeout, "request timed out")
	want := "TIMEOUT: request timed out"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewErrorTimestamp(t *testing.T) {
	before := time.Now()
	err := NewError(CodeUnknown, "x")
	after := time.Now()
	if err.Timestamp.Before(before) || err.Timestamp.After(after) {
		t.Errorf("NewError() timestamp %v outside [%v, %v]", err.Timestamp, before, after)
	}
}
