// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the tagged error kinds used across the generation
// engine. Every failure that crosses a component boundary is classified into
// one of these kinds; the retry layer consumes the kind to decide whether a
// request may be re-attempted, and the batch driver consumes it to decide
// whether the batch must abort.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindRateLimit
	KindNetwork
	KindAPI
	KindParsing
	KindCache
	KindCircuitOpen
	KindDatabase
	KindTimeout
	KindConfiguration
)

// String returns the lowercase name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindAPI:
		return "api"
	case KindParsing:
		return "parsing"
	case KindCache:
		return "cache"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDatabase:
		return "database"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the concrete tagged error carried between components. Use the
// constructors below rather than building one by hand so that the optional
// fields stay consistent with the kind.
type Error struct {
	Kind Kind
	Msg  string

	// RetryAfter is set for KindRateLimit when the server advised a wait.
	RetryAfter time.Duration

	// Service is set for KindCircuitOpen (the breaker that rejected the call).
	Service string

	// Status is set for KindAPI (the upstream HTTP status).
	Status int

	// Fields is set for KindParsing (the validation failures, by field).
	Fields []string

	wrapped error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindCircuitOpen && e.Service != "":
		return fmt.Sprintf("%s: circuit open for service %q", e.Kind, e.Service)
	case e.Kind == KindRateLimit && e.RetryAfter > 0:
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, e.Msg, e.RetryAfter)
	case e.Kind == KindAPI && e.Status != 0:
		return fmt.Sprintf("%s: upstream status %d: %s", e.Kind, e.Status, e.Msg)
	case e.wrapped != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.wrapped)
	case e.wrapped != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.wrapped)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on a bare kind sentinel, e.g.
// errors.Is(err, &Error{Kind: KindRateLimit}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Authentication reports a rejected credential. Fatal, never retried.
func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Msg: msg}
}

// RateLimit reports an upstream or local rate-limit denial. retryAfter is the
// advised wait; zero means the caller should fall back to computed backoff.
func RateLimit(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Msg: msg, RetryAfter: retryAfter}
}

// Network wraps a transport failure (connection reset, DNS, aborted body).
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Msg: "transport failure", wrapped: err}
}

// API reports a non-2xx upstream response. 5xx is retriable, 4xx is not.
func API(status int, msg string) *Error {
	return &Error{Kind: KindAPI, Status: status, Msg: msg}
}

// Parsing reports model output the parser could not validate. fields names
// the failing fields, when known.
func Parsing(msg string, fields []string) *Error {
	return &Error{Kind: KindParsing, Msg: msg, Fields: fields}
}

// Cache wraps a cache I/O failure. Callers degrade these to a miss; they are
// never surfaced past the cache boundary.
func Cache(err error) *Error {
	return &Error{Kind: KindCache, Msg: "cache io", wrapped: err}
}

// CircuitOpen reports a call rejected by an open breaker.
func CircuitOpen(service string) *Error {
	return &Error{Kind: KindCircuitOpen, Service: service}
}

// Database wraps a persistence failure.
func Database(op string, err error) *Error {
	return &Error{Kind: KindDatabase, Msg: op, wrapped: err}
}

// Timeout reports an exceeded deadline on a blocking operation.
func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Msg: op}
}

// Configuration reports invalid startup configuration. Fatal.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// RetryExhausted wraps the last error after max attempts were spent.
type RetryExhausted struct {
	Attempts int
	Last     error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhausted) Unwrap() error { return e.Last }

// KindOf extracts the kind from an error chain. Unclassified errors map to
// KindUnknown; context deadline errors map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	var re *RetryExhausted
	if errors.As(err, &re) {
		return KindOf(re.Last)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retriable reports whether a single logical request may be re-attempted
// after seeing err. Circuit-open is not retriable at the call site: the next
// attempt is admitted by the breaker itself once it half-opens.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	case KindAPI:
		var te *Error
		if errors.As(err, &te) {
			return te.Status >= 500
		}
		return false
	default:
		return false
	}
}

// RetryAfterHint returns the server-advised wait carried by a rate-limit
// error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindRateLimit && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// Fatal reports whether the error must abort the whole batch rather than
// fail a single item.
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindAuthentication || k == KindConfiguration
}
