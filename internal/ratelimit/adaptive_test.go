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

import (
	"testing"
	"time"
)

func TestAdaptive_RaisesAfterTenConsecutiveSuccesses(t *testing.T) {
	a := NewAdaptive(Config{Rate: 100, Period: time.Minute}, 25, 200, nil)
	for i := 0; i < 9; i++ {
		a.OnSuccess()
	}
	if a.Rate() != 100 {
		t.Fatalf("rate moved after only 9 successes: %d", a.Rate())
	}
	a.OnSuccess()
	if a.Rate() != 105 {
		t.Fatalf("rate = %d after 10 successes, want 105", a.Rate())
	}
}

func TestAdaptive_RaiseCapsAtMax(t *testing.T) {
	a := NewAdaptive(Config{Rate: 100, Period: time.Minute}, 25, 102, nil)
	for i := 0; i < 10; i++ {
		a.OnSuccess()
	}
	if a.Rate() != 102 {
		t.Fatalf("rate = %d, want capped 102", a.Rate())
	}
}

func TestAdaptive_DecaysOnRateLimitHit(t *testing.T) {
	a := NewAdaptive(Config{Rate: 100, Period: time.Minute}, 25, 200, nil)
	a.OnRateLimitHit("key", 0)
	if a.Rate() != 90 {
		t.Fatalf("rate = %d after one 429, want 90", a.Rate())
	}
	for i := 0; i < 50; i++ {
		a.OnRateLimitHit("key", 0)
	}
	if a.Rate() != 25 {
		t.Fatalf("rate = %d, want floored 25", a.Rate())
	}
	if a.RateLimitHits() != 51 {
		t.Fatalf("hits = %d, want 51", a.RateLimitHits())
	}
}

// TestAdaptive_HitResetsSuccessStreak: a 429 in the middle of a streak means
// ten fresh successes are needed before the next raise.
func TestAdaptive_HitResetsSuccessStreak(t *testing.T) {
	a := NewAdaptive(Config{Rate: 100, Period: time.Minute}, 25, 200, nil)
	for i := 0; i < 9; i++ {
		a.OnSuccess()
	}
	a.OnRateLimitHit("key", 0) // rate drops to 90, streak resets
	for i := 0; i < 9; i++ {
		a.OnSuccess()
	}
	if a.Rate() != 90 {
		t.Fatalf("rate = %d, streak should have reset", a.Rate())
	}
	a.OnSuccess()
	if a.Rate() != 94 { // 90 * 1.05 = 94.5, truncated
		t.Fatalf("rate = %d after fresh streak, want 94", a.Rate())
	}
}

// TestAdaptive_RetryAfterChargesPenalty: the advised wait is charged against
// the bucket so recovery is delayed through the server cool-down.
func TestAdaptive_RetryAfterChargesPenalty(t *testing.T) {
	clock := newFakeClock()
	a := NewAdaptive(Config{Rate: 60, Period: time.Minute, Shards: 1}, 10, 120, nil)
	a.Sharded.now = clock.Now

	a.OnRateLimitHit("key", 2*time.Minute)
	// rate decayed to 54 (0.9 tokens/s), so a 120s cool-down charges 108
	// tokens against a 54-token bucket, driving the balance well negative.
	if r := a.Acquire("key", 1); r.Allowed {
		t.Fatalf("bucket should be depleted by the cool-down penalty")
	}

	// recovery is delayed: 30s of refill is not enough, 70s is
	clock.Advance(30 * time.Second)
	if r := a.Acquire("key", 1); r.Allowed {
		t.Fatalf("limiter recovered before the cool-down elapsed")
	}
	clock.Advance(40 * time.Second)
	if r := a.Acquire("key", 1); !r.Allowed {
		t.Fatalf("limiter should admit again once the penalty has refilled")
	}
}
