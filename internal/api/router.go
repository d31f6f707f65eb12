// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// TriggerSecret guards every trigger endpoint.
	TriggerSecret string

	// RateLimitReqs bounds trigger requests per client IP per minute.
	RateLimitReqs int
}

// NewRouter assembles the full route tree.
//
// Trigger endpoints (bearer-authenticated, rate limited):
//
//	POST /api/v1/sync/daily
//	POST /api/v1/sync/manual
//	POST /api/v1/reconcile/daily
//	POST /api/v1/breaker/reset
//	POST /api/v1/connectors/test
//	GET  /api/v1/status
//
// Unauthenticated operational endpoints:
//
//	GET /healthz
//	GET /metrics
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogging())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.Limit(
				cfg.RateLimitReqs,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
			))
		}
		r.Use(Metrics())
		r.Use(BearerAuth(cfg.TriggerSecret))

		r.Post("/sync/daily", h.SyncDaily)
		r.Post("/sync/manual", h.SyncManual)
		r.Post("/reconcile/daily", h.ReconcileDaily)
		r.Post("/breaker/reset", h.ResetBreaker)
		r.Post("/connectors/test", h.TestConnection)
		r.Get("/status", h.Status)
	})

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
