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

// Package retry executes a call with exponential backoff over classified
// errors. Retry is an explicit higher-order function taking a policy value;
// there is no decorator machinery and no hidden state.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"sejong/internal/errs"
)

// Policy is the retry configuration.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, first call included.
	MaxAttempts int
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// Base is the exponential growth factor; 0 uses 2.
	Base float64
	// Jitter multiplies each delay by a uniform factor in [0.5, 1.0).
	// Half-jitter spreads retriers without ever exceeding the cap.
	Jitter bool
	// Classify overrides the default retriability decision when set.
	Classify func(error) bool
}

// DefaultPolicy mirrors the engine's configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Base:         2,
		Jitter:       true,
	}
}

// Delay computes the backoff before attempt (0-based retry index):
// min(initial * base^attempt, max), optionally jittered.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 2
	}
	d := float64(p.InitialDelay) * math.Pow(base, float64(attempt))
	if ceiling := float64(p.MaxDelay); p.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

func (p Policy) retriable(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return errs.Retriable(err)
}

// Do runs fn up to MaxAttempts times. Non-retriable errors surface
// immediately; a rate-limit error's server-advised wait overrides the
// computed backoff for the next delay. On exhaustion the last error is
// wrapped in RetryExhausted. ctx cancellation interrupts a pending delay.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if hint, ok := errs.RetryAfterHint(lastErr); ok {
				delay = hint
			}
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, errs.Timeout("retry delay cancelled")
			case <-t.C:
			}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.retriable(err) {
			return zero, err
		}
	}
	return zero, &errs.RetryExhausted{Attempts: p.MaxAttempts, Last: lastErr}
}
