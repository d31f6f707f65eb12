// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
)

// RequestID assigns a unique ID to every request, exposes it as the
// X-Request-ID response header, and threads it through the context so every
// log line for the request carries it.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = logging.GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Metrics records request count and latency per endpoint.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			metrics.RecordAPIRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
		})
	}
}

// RequestLogging emits one structured line per completed request.
func RequestLogging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logging.Ctx(r.Context()).Info().
				Str("component", "api").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("Request completed")
		})
	}
}

// BearerAuth rejects requests that do not present the shared trigger secret
// as "Authorization: Bearer <secret>". Comparison is constant time.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				logging.Ctx(r.Context()).Warn().
					Str("component", "api").
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("Rejected trigger with invalid credentials")
				NewResponseWriter(w, r).Unauthorized("invalid or missing trigger secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
