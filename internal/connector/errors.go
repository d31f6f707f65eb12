// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Code classifies a connector failure. The set is closed: every error a
// provider call can produce maps onto exactly one code, and retry behavior
// is derived from the code alone.
type Code string

const (
	CodeRateLimit       Code = "RATE_LIMIT"
	CodeAuthFailed      Code = "AUTH_FAILED"
	CodeNetworkError    Code = "NETWORK_ERROR"
	CodeTimeout         Code = "TIMEOUT"
	CodeInvalidResponse Code = "INVALID_RESPONSE"
	CodeUnknown         Code = "UNKNOWN"
)

// retryable reports whether calls failing with this code may be retried.
// Rate limits, network errors, and timeouts are transient; auth and schema
// failures will not heal on their own.
func retryable(code Code) bool {
	switch code {
	case CodeRateLimit, CodeNetworkError, CodeTimeout:
		return true
	default:
		return false
	}
}

// Error is the structured connector error surfaced to the sync and
// reconciliation engines. Retryable is always derived from Code.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   string
	Timestamp time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error for the given code. This is the only constructor,
// which keeps the Retryable-follows-Code invariant intact.
func NewError(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryable(code),
		Timestamp: time.Now(),
	}
}

// WithDetails attaches provider response detail for diagnostics.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// HTTPStatusError is returned by the transport layer for non-2xx responses,
// carrying the status code explicitly so classification never has to sniff
// error shapes.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Status)
}

// DecodeError marks a response that arrived but failed schema or JSON
// validation.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid provider response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Classify maps a transport-level error onto the closed connector taxonomy.
//
//	429                         -> RATE_LIMIT
//	401, 403                    -> AUTH_FAILED
//	5xx, net.Error, url.Error   -> NETWORK_ERROR
//	context deadline            -> TIMEOUT
//	DecodeError                 -> INVALID_RESPONSE
//	anything else               -> UNKNOWN
func Classify(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == 429:
			return NewError(CodeRateLimit, "rate limit exceeded").WithDetails(statusErr.Body)
		case statusErr.Status == 401 || statusErr.Status == 403:
			return NewError(CodeAuthFailed, "authentication failed").WithDetails(statusErr.Body)
		case statusErr.Status >= 500:
			return NewError(CodeNetworkError, fmt.Sprintf("provider returned %d", statusErr.Status)).WithDetails(statusErr.Body)
		default:
			return NewError(CodeUnknown, statusErr.Error()).WithDetails(statusErr.Body)
		}
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return NewError(CodeInvalidResponse, decodeErr.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(CodeTimeout, "request timed out")
		}
		return NewError(CodeNetworkError, netErr.Error())
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewError(CodeNetworkError, urlErr.Error())
	}

	return NewError(CodeUnknown, err.Error())
}
