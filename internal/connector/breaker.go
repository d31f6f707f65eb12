// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
)

// BreakerSettings tunes one circuit breaker instance.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before allowing a
	// single half-open trial call.
	ResetTimeout time.Duration
}

// Breaker wraps gobreaker with per-service naming, state metrics, and a
// Reset that discards accumulated failure counts. One trial call is allowed
// in half-open; its outcome alone decides whether the breaker closes again
// or re-opens for another full reset window.
type Breaker struct {
	name     string
	settings BreakerSettings

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a circuit breaker for the named service.
func NewBreaker(name string, settings BreakerSettings) *Breaker {
	b := &Breaker{name: name, settings: settings}
	b.cb = b.newGobreaker()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return b
}

func (b *Breaker) newGobreaker() *gobreaker.CircuitBreaker[any] {
	threshold := b.settings.FailureThreshold
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()

	evt := logging.Warn()
	if to == gobreaker.StateClosed {
		evt = logging.Info()
	}
	evt.
		Str("component", "breaker").
		Str("service", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Execute runs op through the breaker. When the breaker is open the call is
// rejected immediately with gobreaker.ErrOpenState and op never runs.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()
	return cb.Execute(op)
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.State()
}

// Counts returns the current failure counters.
func (b *Breaker) Counts() gobreaker.Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.Counts()
}

// Reset returns the breaker to closed with zeroed counters by swapping in a
// fresh instance. Used by operators after a provider incident is resolved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newGobreaker()
	b.mu.Unlock()

	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(0)
	logging.Info().
		Str("component", "breaker").
		Str("service", b.name).
		Msg("Circuit breaker manually reset")
}
