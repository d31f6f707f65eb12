// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package metrics exposes Prometheus collectors for production observability:
// connector call outcomes, circuit breaker state, sync and reconciliation
// results, and API endpoint latency. All collectors are registered via
// promauto and scraped from GET /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connector Metrics
	ConnectorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_requests_total",
			Help: "Total connector calls by service and outcome",
		},
		[]string{"service", "outcome"}, // "success", "failure", "rejected"
	)

	ConnectorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_call_duration_seconds",
			Help:    "Duration of connector calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service", "operation"},
	)

	ConnectorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_retries_total",
			Help: "Total retry attempts by service and error code",
		},
		[]string{"service", "code"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// Sync Operation Metrics
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of day-sync operations",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	SyncRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_written_total",
			Help: "Total transactions written during day syncs",
		},
		[]string{"provider"},
	)

	SyncPagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_pages_fetched_total",
			Help: "Total provider pages fetched during day syncs",
		},
		[]string{"provider"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total sync failures",
		},
		[]string{"provider", "error_type"}, // "provider_api", "store", "validation"
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of last successful sync",
		},
		[]string{"provider"},
	)

	// Reconciliation Metrics
	ReconciliationDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reconciliation_drift_minor_units",
			Help: "Absolute drift between provider and stored daily totals, in minor currency units",
		},
		[]string{"tenant"},
	)

	ReconciliationOverrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_overrides_total",
			Help: "Total revenue overrides created by reconciliation",
		},
		[]string{"tenant"},
	)

	ReconciliationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_checks_total",
			Help: "Total reconciliation verifications by result",
		},
		[]string{"result"}, // "matched", "override_created", "failed"
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Store Metrics
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Duration of store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_errors_total",
			Help: "Total store operation errors",
		},
		[]string{"operation", "table"},
	)
)

// RecordAPIRequest records metrics for one completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordStoreQuery records duration (and error, if any) for one store operation.
func RecordStoreQuery(operation, table string, duration time.Duration, err error) {
	StoreQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		StoreQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
