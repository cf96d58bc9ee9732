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

// Package ratelimit implements the engine's admission control: a sharded
// token-bucket limiter with power-of-two-choices placement, future-dated
// reservations, an adaptive variant that tracks upstream pushback, a
// database-backed quota variant, and a composite stack gating both stages
// and spend.
//
// A single bucket under high concurrency is a contention point, so capacity
// is partitioned across N shards, each behind its own mutex. A key hashes to
// a primary and a distinct secondary shard and tries them in that order.
// Acquisitions are FIFO within a shard; across shards there is no global
// order.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"sejong/internal/errs"
)

// reservationGrace is how long past ExecuteAt a reservation stays
// executable.
const reservationGrace = 60 * time.Second

// Config describes one limiter.
type Config struct {
	// Rate is the number of tokens granted per Period.
	Rate int64
	// Period defaults to one minute.
	Period time.Duration
	// Burst caps the instantaneous balance; 0 means uncapped at Rate.
	Burst int64
	// Shards overrides the derived shard count; 0 derives
	// floor(Rate/10) rounded down to a power of two, so every shard keeps
	// at least 10 tokens, minimum 1 shard.
	Shards int
	// Algorithm selects the per-shard admission algorithm.
	Algorithm Algorithm
}

// Result is the outcome of one acquisition attempt.
type Result struct {
	Allowed         bool
	TokensRemaining int64
	ShardID         int
	// RetryAfter is a nonzero wait hint when denied.
	RetryAfter time.Duration
}

// Limiter is the minimal admission interface the rest of the engine depends
// on. The interface is deliberately free of in-process types so a
// distributed implementation can satisfy it later; only Sharded runs today.
type Limiter interface {
	Acquire(key string, n int64) Result
}

// Sharded is the in-process sharded limiter.
type Sharded struct {
	shards []*shard
	mask   int
	period time.Duration
	alg    Algorithm

	rate  atomic.Int64 // current global rate per period
	burst int64

	attempts atomic.Int64
	allowed  atomic.Int64
	denied   atomic.Int64

	resMu        sync.Mutex
	reservations map[string]*Reservation
	now          func() time.Time // injectable clock for tests
}

type shard struct {
	mu sync.Mutex
	c  counter
}

// deriveShards computes floor(rate/10) rounded down to a power of two,
// clamped to [1, ...]; the bound keeps at least 10 tokens per shard.
func deriveShards(rate int64) int {
	n := int(rate / 10)
	if n < 1 {
		return 1
	}
	// round down to a power of two
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

// NewSharded builds the limiter. Zero-rate limiters are legal: every acquire
// denies with a nonzero retry hint.
func NewSharded(cfg Config) *Sharded {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	n := cfg.Shards
	if n <= 0 {
		n = deriveShards(cfg.Rate)
	}
	// shard indexing relies on a power-of-two count
	if n&(n-1) != 0 {
		p := 1
		for p*2 <= n {
			p *= 2
		}
		n = p
	}
	s := &Sharded{
		shards:       make([]*shard, n),
		mask:         n - 1,
		period:       cfg.Period,
		alg:          cfg.Algorithm,
		burst:        cfg.Burst,
		reservations: make(map[string]*Reservation),
		now:          time.Now,
	}
	s.rate.Store(cfg.Rate)
	now := time.Now()
	capPerShard, refillPerShard := s.perShard(cfg.Rate)
	for i := range s.shards {
		s.shards[i] = &shard{c: newCounter(cfg.Algorithm, capPerShard, refillPerShard, cfg.Period, now)}
	}
	return s
}

// perShard splits the global rate into per-shard capacity and refill speed.
// Capacity per shard is ceil(effective/shards) where the effective cap is
// Burst when set (and lower than the rate), else the rate itself.
func (s *Sharded) perShard(rate int64) (capacity, refillPerSec float64) {
	n := int64(len(s.shards))
	effective := rate
	if s.burst > 0 && s.burst < rate {
		effective = s.burst
	}
	capacity = float64((effective + n - 1) / n)
	if rate > 0 {
		refillPerSec = float64(rate) / float64(n) / s.period.Seconds()
	}
	return capacity, refillPerSec
}

// shardsFor maps a key to its primary and secondary shard, distinct whenever
// more than one shard exists.
func (s *Sharded) shardsFor(key string) (int, int) {
	h := fnv.New64a()
	h.Write([]byte(key))
	h1 := h.Sum64()
	// second choice from an independent mix of the same hash
	h2 := h1 * 0x9e3779b97f4a7c15
	h2 ^= h2 >> 29
	primary := int(h1) & s.mask
	secondary := int(h2) & s.mask
	if secondary == primary && s.mask > 0 {
		secondary = (primary + 1) & s.mask
	}
	return primary, secondary
}

// Acquire attempts to take n tokens for key: primary shard first, then
// secondary. A denial carries the shorter of the two retry hints.
func (s *Sharded) Acquire(key string, n int64) Result {
	s.attempts.Add(1)
	now := s.now()
	primary, secondary := s.shardsFor(key)

	if r, ok := s.tryShard(primary, now, n); ok {
		s.allowed.Add(1)
		return r
	} else if primary == secondary {
		s.denied.Add(1)
		return r
	} else {
		r2, ok2 := s.tryShard(secondary, now, n)
		if ok2 {
			s.allowed.Add(1)
			return r2
		}
		s.denied.Add(1)
		if r.RetryAfter < r2.RetryAfter {
			return r
		}
		return r2
	}
}

func (s *Sharded) tryShard(idx int, now time.Time, n int64) (Result, bool) {
	sh := s.shards[idx]
	sh.mu.Lock()
	ok, remaining, retryAfter := sh.c.tryTake(now, n)
	sh.mu.Unlock()
	return Result{Allowed: ok, TokensRemaining: remaining, ShardID: idx, RetryAfter: retryAfter}, ok
}

// Wait acquires with blocking: denied attempts sleep for the retry hint
// until ctx expires. The returned error on expiry is a rate-limit error
// carrying the latest hint.
func (s *Sharded) Wait(ctx context.Context, key string, n int64) error {
	for {
		r := s.Acquire(key, n)
		if r.Allowed {
			return nil
		}
		wait := r.RetryAfter
		if deadline, ok := ctx.Deadline(); ok && s.now().Add(wait).After(deadline) {
			return errs.RateLimit("rate limit wait would exceed deadline", r.RetryAfter)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errs.RateLimit("rate limit wait cancelled", r.RetryAfter)
		case <-t.C:
		}
	}
}

// Charge removes tokens without an admission check, spreading the debt over
// the key's primary shard. Used by the adaptive limiter to delay recovery.
func (s *Sharded) Charge(key string, n int64) {
	primary, _ := s.shardsFor(key)
	sh := s.shards[primary]
	sh.mu.Lock()
	sh.c.charge(s.now(), n)
	sh.mu.Unlock()
}

// SetRate replaces the global rate, reconfiguring every shard in place.
func (s *Sharded) SetRate(rate int64) {
	if rate < 0 {
		rate = 0
	}
	s.rate.Store(rate)
	capPerShard, refillPerShard := s.perShard(rate)
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.c.reconfigure(capPerShard, refillPerShard, s.period)
		sh.mu.Unlock()
	}
}

// Rate returns the current global rate per period.
func (s *Sharded) Rate() int64 { return s.rate.Load() }

// PerSecond returns the current refill speed across all shards.
func (s *Sharded) PerSecond() float64 {
	return float64(s.rate.Load()) / s.period.Seconds()
}

// ShardCount reports the number of shards.
func (s *Sharded) ShardCount() int { return len(s.shards) }

// Stats is a snapshot of acquisition counters.
type Stats struct {
	Attempts int64
	Allowed  int64
	Denied   int64
	Shards   int
	Rate     int64
}

// Stats returns the current counters.
func (s *Sharded) Stats() Stats {
	return Stats{
		Attempts: s.attempts.Load(),
		Allowed:  s.allowed.Load(),
		Denied:   s.denied.Load(),
		Shards:   len(s.shards),
		Rate:     s.rate.Load(),
	}
}
