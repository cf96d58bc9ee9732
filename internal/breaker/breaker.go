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

// Package breaker isolates failing downstream services. Each named service
// owns an independent breaker; the registry constructs them lazily. The
// state machine (closed, open, half-open with a single probe) is
// sony/gobreaker; this package adds the service registry, the tagged
// circuit-open error, and the optional adaptive trip threshold.
//
// The breaker takes the guarded call as an opaque function. It holds no
// reference to the client that calls it, so there is no cycle between the
// two.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"sejong/internal/errs"
)

// Adaptive threshold bounds. The floor keeps a flapping service from
// pinning the breaker at hair-trigger sensitivity; the ceiling is the
// configured threshold.
const (
	adaptiveFloor = 2
	densityWindow = 30 * time.Second
	densityFactor = 2  // errors within the window > factor*threshold lowers it
	raiseAfterOKs = 10 // consecutive successes to raise the threshold by one
)

// Options configures breakers constructed by a Registry.
type Options struct {
	// FailureThreshold is the consecutive-failure count that trips a closed
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects before admitting
	// a single half-open probe.
	RecoveryTimeout time.Duration
	// Adaptive enables error-density threshold adjustment.
	Adaptive bool
	// OnTrip, when set, observes every closed-to-open transition.
	OnTrip func(service string)
	Logger *zap.Logger
}

// Registry maps service names to breakers, constructing them on first use.
type Registry struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry with shared options.
func NewRegistry(opts Options) *Registry {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for service, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := newBreaker(service, r.opts)
	r.breakers[service] = b
	return b
}

// Breaker guards one service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger

	adaptive  bool
	threshold atomic.Int64
	ceiling   int64

	admu      sync.Mutex
	errTimes  []time.Time
	okStreak  int
}

func newBreaker(name string, opts Options) *Breaker {
	b := &Breaker{
		name:     name,
		log:      opts.Logger,
		adaptive: opts.Adaptive,
		ceiling:  int64(opts.FailureThreshold),
	}
	b.threshold.Store(int64(opts.FailureThreshold))
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Timeout:     opts.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int64(c.ConsecutiveFailures) >= b.threshold.Load()
		},
		OnStateChange: func(svc string, from, to gobreaker.State) {
			b.log.Info("breaker state change",
				zap.String("service", svc),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen && opts.OnTrip != nil {
				opts.OnTrip(svc)
			}
		},
	})
	return b
}

// Call runs fn under the breaker. A rejected call returns a circuit-open
// error carrying the service name; rejections never count as failures
// against the trip threshold.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errs.CircuitOpen(b.name)
	}
	if b.adaptive {
		b.observe(err == nil)
	}
	return v, err
}

// State reports the current breaker state name (closed, open, half-open).
func (b *Breaker) State() string { return b.cb.State().String() }

// observe adjusts the trip threshold from error density: a burst of errors
// inside the window lowers it toward the floor, a sustained clean streak
// raises it back toward the configured ceiling.
func (b *Breaker) observe(ok bool) {
	now := time.Now()
	b.admu.Lock()
	defer b.admu.Unlock()

	if ok {
		b.okStreak++
		if b.okStreak >= raiseAfterOKs {
			b.okStreak = 0
			if t := b.threshold.Load(); t < b.ceiling {
				b.threshold.Store(t + 1)
			}
		}
		return
	}

	b.okStreak = 0
	cutoff := now.Add(-densityWindow)
	kept := b.errTimes[:0]
	for _, at := range b.errTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.errTimes = append(kept, now)

	t := b.threshold.Load()
	if int64(len(b.errTimes)) > densityFactor*t && t > adaptiveFloor {
		b.threshold.Store(t - 1)
		b.log.Debug("adaptive breaker lowered threshold",
			zap.String("service", b.name), zap.Int64("threshold", t-1))
	}
}

// Threshold reports the current trip threshold (observable for tests and
// the ops endpoint).
func (b *Breaker) Threshold() int64 { return b.threshold.Load() }
