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

package ratelimit

import "time"

// Algorithm selects the per-shard admission algorithm. Token bucket is the
// default; the window variants are selectable for workloads that prefer hard
// window edges over continuous refill.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	SlidingWindow
	FixedWindow
)

// counter is one shard's admission state. Implementations are not
// goroutine-safe; the owning shard serializes access with its mutex.
type counter interface {
	// tryTake admits n tokens or reports how long until they could be
	// admitted. remaining is the post-admission balance (floored at 0 for
	// reporting).
	tryTake(now time.Time, n int64) (ok bool, remaining int64, retryAfter time.Duration)

	// peek is tryTake without consumption, used by reservations.
	peek(now time.Time, n int64) (ok bool, retryAfter time.Duration)

	// charge removes n tokens unconditionally; the balance may go negative.
	// The adaptive limiter uses this to delay recovery after an upstream
	// rate-limit hit.
	charge(now time.Time, n int64)

	// reconfigure replaces capacity and refill speed in place, preserving
	// the current consumption level where the algorithm allows it.
	reconfigure(capacity, refillPerSec float64, period time.Duration)
}

// tokenBucket refills continuously at refillPerSec, capped at capacity.
type tokenBucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	period       time.Duration
	last         time.Time
}

func newTokenBucket(capacity, refillPerSec float64, period time.Duration, now time.Time) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillPerSec: refillPerSec, period: period, last: now}
}

func (b *tokenBucket) refill(now time.Time) {
	if !now.After(b.last) {
		return
	}
	b.tokens += now.Sub(b.last).Seconds() * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

func (b *tokenBucket) tryTake(now time.Time, n int64) (bool, int64, time.Duration) {
	b.refill(now)
	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return true, int64(b.tokens), 0
	}
	return false, 0, b.waitFor(need)
}

func (b *tokenBucket) peek(now time.Time, n int64) (bool, time.Duration) {
	b.refill(now)
	if b.tokens >= float64(n) {
		return true, 0
	}
	return false, b.waitFor(float64(n))
}

// waitFor estimates time until need tokens are available. With no refill the
// wait is one full period: never zero, so a denied caller always gets a
// usable retry hint.
func (b *tokenBucket) waitFor(need float64) time.Duration {
	deficit := need - b.tokens
	if b.refillPerSec <= 0 {
		if b.period > 0 {
			return b.period
		}
		return time.Minute
	}
	d := time.Duration(deficit / b.refillPerSec * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (b *tokenBucket) charge(now time.Time, n int64) {
	b.refill(now)
	b.tokens -= float64(n)
}

func (b *tokenBucket) reconfigure(capacity, refillPerSec float64, period time.Duration) {
	used := b.capacity - b.tokens
	b.capacity = capacity
	b.refillPerSec = refillPerSec
	b.period = period
	b.tokens = capacity - used
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// slidingWindow admits while the rolling sum over the trailing period stays
// under capacity. Grants are tracked as (timestamp, count) pairs and pruned
// as they age out.
type slidingWindow struct {
	capacity float64
	period   time.Duration
	grants   []grant
	used     int64
}

type grant struct {
	at time.Time
	n  int64
}

func newSlidingWindow(capacity float64, period time.Duration, now time.Time) *slidingWindow {
	return &slidingWindow{capacity: capacity, period: period}
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.grants) && !w.grants[i].at.After(cutoff) {
		w.used -= w.grants[i].n
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}

func (w *slidingWindow) tryTake(now time.Time, n int64) (bool, int64, time.Duration) {
	w.prune(now)
	if float64(w.used+n) <= w.capacity {
		w.grants = append(w.grants, grant{at: now, n: n})
		w.used += n
		return true, int64(w.capacity) - w.used, 0
	}
	return false, 0, w.waitFor(now, n)
}

func (w *slidingWindow) peek(now time.Time, n int64) (bool, time.Duration) {
	w.prune(now)
	if float64(w.used+n) <= w.capacity {
		return true, 0
	}
	return false, w.waitFor(now, n)
}

// waitFor finds when enough of the oldest grants will have aged out.
func (w *slidingWindow) waitFor(now time.Time, n int64) time.Duration {
	needed := w.used + n - int64(w.capacity)
	var freed int64
	for _, g := range w.grants {
		freed += g.n
		if freed >= needed {
			d := g.at.Add(w.period).Sub(now)
			if d <= 0 {
				d = time.Millisecond
			}
			return d
		}
	}
	if w.period > 0 {
		return w.period
	}
	return time.Minute
}

func (w *slidingWindow) charge(now time.Time, n int64) {
	w.prune(now)
	w.grants = append(w.grants, grant{at: now, n: n})
	w.used += n
}

func (w *slidingWindow) reconfigure(capacity, _ float64, period time.Duration) {
	w.capacity = capacity
	w.period = period
}

// fixedWindow resets its budget at hard period boundaries.
type fixedWindow struct {
	capacity float64
	period   time.Duration
	start    time.Time
	used     int64
}

func newFixedWindow(capacity float64, period time.Duration, now time.Time) *fixedWindow {
	return &fixedWindow{capacity: capacity, period: period, start: now}
}

func (w *fixedWindow) roll(now time.Time) {
	if w.period <= 0 {
		return
	}
	for !now.Before(w.start.Add(w.period)) {
		w.start = w.start.Add(w.period)
		w.used = 0
	}
}

func (w *fixedWindow) tryTake(now time.Time, n int64) (bool, int64, time.Duration) {
	w.roll(now)
	if float64(w.used+n) <= w.capacity {
		w.used += n
		return true, int64(w.capacity) - w.used, 0
	}
	return false, 0, w.waitFor(now)
}

func (w *fixedWindow) peek(now time.Time, n int64) (bool, time.Duration) {
	w.roll(now)
	if float64(w.used+n) <= w.capacity {
		return true, 0
	}
	return false, w.waitFor(now)
}

func (w *fixedWindow) waitFor(now time.Time) time.Duration {
	if w.period <= 0 {
		return time.Minute
	}
	d := w.start.Add(w.period).Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (w *fixedWindow) charge(now time.Time, n int64) {
	w.roll(now)
	w.used += n
}

func (w *fixedWindow) reconfigure(capacity, _ float64, period time.Duration) {
	w.capacity = capacity
	w.period = period
}

func newCounter(alg Algorithm, capacity, refillPerSec float64, period time.Duration, now time.Time) counter {
	switch alg {
	case SlidingWindow:
		return newSlidingWindow(capacity, period, now)
	case FixedWindow:
		return newFixedWindow(capacity, period, now)
	default:
		return newTokenBucket(capacity, refillPerSec, period, now)
	}
}
