// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

// Package connector implements the resilient provider-call layer: a typed
// error taxonomy, retries with configurable backoff, a circuit breaker per
// service, client-side rate limiting, and correlated structured logging.
// Provider integrations (Toast) build on Core and expose the
// ServiceConnector interface to the engines.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/venuehq/tillsync/internal/logging"
	"github.com/venuehq/tillsync/internal/metrics"
)

// Retry strategies.
const (
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
	StrategyFixed       = "fixed"
)

// Settings carries the resilience tunables for one Core instance.
type Settings struct {
	Timeout time.Duration

	MaxRetries    int
	RetryStrategy string
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	RetryFactor   float64

	FailureThreshold uint32
	ResetTimeout     time.Duration

	// RatePerMinute bounds outbound calls client-side, below the provider's
	// documented limit. Zero disables the limiter.
	RatePerMinute int
}

// DefaultSettings returns the tunables the connectors were designed around.
func DefaultSettings() Settings {
	return Settings{
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryStrategy:    StrategyExponential,
		InitialDelay:     1 * time.Second,
		MaxDelay:         30 * time.Second,
		RetryFactor:      2,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		RatePerMinute:    60,
	}
}

// FetchResult is the uniform envelope returned by every connector call.
// Exactly one of Data and Err is meaningful, selected by Success.
type FetchResult[T any] struct {
	Success   bool
	Data      T
	Err       *Error
	Timestamp time.Time
	Duration  time.Duration
}

// Metrics is a point-in-time snapshot of one connector's health counters,
// exposed on the status endpoint.
type Metrics struct {
	Service       string         `json:"service"`
	Requests      uint64         `json:"requests"`
	Successes     uint64         `json:"successes"`
	Failures      uint64         `json:"failures"`
	Retries       uint64         `json:"retries"`
	BreakerState  string         `json:"breaker_state"`
	ConsecFails   uint32         `json:"consecutive_failures"`
	LastSuccess   time.Time      `json:"last_success,omitempty"`
	LastFailure   time.Time      `json:"last_failure,omitempty"`
	RecentEntries []LogRingEntry `json:"-"`
}

// LogRingEntry is one retained call record in the diagnostic ring.
type LogRingEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Operation     string    `json:"operation"`
	Outcome       string    `json:"outcome"`
	Code          Code      `json:"code,omitempty"`
	Attempts      int       `json:"attempts"`
	Duration      string    `json:"duration"`
}

const logRingCapacity = 1000

// logRing retains the most recent call records in a fixed-size ring so a
// misbehaving provider cannot grow connector memory without bound.
type logRing struct {
	mu      sync.Mutex
	entries []LogRingEntry
	next    int
	full    bool
}

func newLogRing() *logRing {
	return &logRing{entries: make([]LogRingEntry, logRingCapacity)}
}

func (r *logRing) add(e LogRingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % logRingCapacity
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the retained entries oldest-first.
func (r *logRing) snapshot() []LogRingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]LogRingEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]LogRingEntry, 0, logRingCapacity)
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Core provides retry, circuit breaking, rate limiting, and call accounting
// for one named service. Provider connectors embed a Core and route every
// outbound call through Call.
type Core struct {
	service  string
	settings Settings
	breaker  *Breaker
	limiter  *rate.Limiter
	ring     *logRing

	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	retries   atomic.Uint64

	mu          sync.Mutex
	lastSuccess time.Time
	lastFailure time.Time
}

// NewCore creates the resilience core for the named service.
func NewCore(service string, settings Settings) *Core {
	c := &Core{
		service:  service,
		settings: settings,
		breaker: NewBreaker(service, BreakerSettings{
			FailureThreshold: settings.FailureThreshold,
			ResetTimeout:     settings.ResetTimeout,
		}),
		ring: newLogRing(),
	}
	if settings.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(settings.RatePerMinute)/60.0), settings.RatePerMinute)
	}
	return c
}

// Service returns the service name this core protects.
func (c *Core) Service() string { return c.service }

// Settings returns the resilience tunables in effect.
func (c *Core) Settings() Settings { return c.settings }

// Breaker exposes the circuit breaker for operator reset.
func (c *Core) Breaker() *Breaker { return c.breaker }

// Metrics returns a snapshot of call counters and breaker state.
func (c *Core) Metrics() Metrics {
	c.mu.Lock()
	lastSuccess, lastFailure := c.lastSuccess, c.lastFailure
	c.mu.Unlock()

	return Metrics{
		Service:       c.service,
		Requests:      c.requests.Load(),
		Successes:     c.successes.Load(),
		Failures:      c.failures.Load(),
		Retries:       c.retries.Load(),
		BreakerState:  c.breaker.State().String(),
		ConsecFails:   c.breaker.Counts().ConsecutiveFailures,
		LastSuccess:   lastSuccess,
		LastFailure:   lastFailure,
		RecentEntries: c.ring.snapshot(),
	}
}

// RetryDelay computes the pause before retry attempt n (1-based), per the
// configured strategy, capped at MaxDelay.
func (c *Core) RetryDelay(attempt int) time.Duration {
	s := c.settings
	var d time.Duration
	switch s.RetryStrategy {
	case StrategyLinear:
		d = time.Duration(attempt) * s.InitialDelay
	case StrategyFixed:
		d = s.InitialDelay
	default:
		d = time.Duration(float64(s.InitialDelay) * math.Pow(s.RetryFactor, float64(attempt-1)))
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// jitter spreads retries across +/-10% so synchronized tenants do not
// hammer a recovering provider in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * f)
}

// newCorrelationID builds the per-call correlation ID embedded in every log
// line for the call, "{service}-{epochMs}-{rand}".
func newCorrelationID(service string) string {
	return fmt.Sprintf("%s-%d-%06d", service, time.Now().UnixMilli(), rand.IntN(1000000))
}

// Call runs op with the full resilience stack: rate limiting, circuit
// breaking, classified retries with backoff, and per-attempt timeout. It
// never returns a Go error; failures are reported in the FetchResult
// envelope with a classified Error. Non-retryable codes fail after a single
// attempt; retryable codes are retried up to MaxRetries times. The breaker
// wraps the whole retry sequence, so an exhausted call counts as one breaker
// failure, not one per attempt; when the breaker is open the call is
// rejected before any attempt and surfaces as NETWORK_ERROR.
//
// Call is a free function because Go methods cannot introduce type
// parameters.
func Call[T any](ctx context.Context, c *Core, operation string, op func(ctx context.Context) (T, error)) FetchResult[T] {
	start := time.Now()
	correlationID := newCorrelationID(c.service)
	ctx = logging.ContextWithCorrelationID(ctx, correlationID)
	log := logging.Ctx(ctx).With().
		Str("component", "connector").
		Str("service", c.service).
		Str("operation", operation).
		Logger()

	c.requests.Add(1)

	attempts := 0
	maxAttempts := c.settings.MaxRetries + 1

	attemptOnce := func() (T, error) {
		callCtx := ctx
		if c.settings.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.settings.Timeout)
			defer cancel()
		}
		return op(callCtx)
	}

	result, execErr := c.breaker.Execute(func() (any, error) {
		var callErr *Error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			attempts = attempt

			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil, Classify(err)
				}
			}

			data, err := attemptOnce()
			if err == nil {
				return data, nil
			}

			callErr = Classify(err)
			log.Warn().
				Int("attempt", attempt).
				Str("code", string(callErr.Code)).
				Bool("retryable", callErr.Retryable).
				Str("error", callErr.Message).
				Msg("Connector call failed")

			if !callErr.Retryable || attempt == maxAttempts {
				break
			}

			delay := jitter(c.RetryDelay(attempt))
			c.retries.Add(1)
			metrics.ConnectorRetries.WithLabelValues(c.service, string(callErr.Code)).Inc()
			log.Debug().Dur("delay", delay).Msg("Retrying after backoff")

			select {
			case <-ctx.Done():
				return nil, Classify(ctx.Err())
			case <-time.After(delay):
			}
		}
		return nil, callErr
	})

	if execErr == nil {
		data := result.(T)
		duration := time.Since(start)

		c.successes.Add(1)
		c.mu.Lock()
		c.lastSuccess = time.Now()
		c.mu.Unlock()

		metrics.ConnectorRequests.WithLabelValues(c.service, "success").Inc()
		metrics.ConnectorCallDuration.WithLabelValues(c.service, operation).Observe(duration.Seconds())
		c.ring.add(LogRingEntry{
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
			Operation:     operation,
			Outcome:       "success",
			Attempts:      attempts,
			Duration:      duration.String(),
		})
		log.Debug().Int("attempts", attempts).Dur("duration", duration).Msg("Connector call succeeded")

		return FetchResult[T]{Success: true, Data: data, Timestamp: time.Now(), Duration: duration}
	}

	var lastErr *Error
	if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
		lastErr = NewError(CodeNetworkError, "service temporarily unavailable (circuit breaker open)")
		metrics.ConnectorRequests.WithLabelValues(c.service, "rejected").Inc()
		log.Warn().Msg("Connector call rejected by open circuit breaker")
	} else {
		lastErr = Classify(execErr)
	}

	duration := time.Since(start)
	c.failures.Add(1)
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()

	metrics.ConnectorRequests.WithLabelValues(c.service, "failure").Inc()
	metrics.ConnectorCallDuration.WithLabelValues(c.service, operation).Observe(duration.Seconds())
	c.ring.add(LogRingEntry{
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Operation:     operation,
		Outcome:       "failure",
		Code:          lastErr.Code,
		Attempts:      attempts,
		Duration:      duration.String(),
	})
	log.Error().
		Str("code", string(lastErr.Code)).
		Int("attempts", attempts).
		Dur("duration", duration).
		Msg("Connector call exhausted")

	return FetchResult[T]{Success: false, Err: lastErr, Timestamp: time.Now(), Duration: duration}
}
