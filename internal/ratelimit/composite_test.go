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

// countingLimiter records every acquire and charge so tests can verify the
// refund protocol without token-bucket timing in the way.
type countingLimiter struct {
	allow    bool
	acquired map[string]int64
	charged  map[string]int64
}

func newCountingLimiter(allow bool) *countingLimiter {
	return &countingLimiter{
		allow:    allow,
		acquired: make(map[string]int64),
		charged:  make(map[string]int64),
	}
}

func (l *countingLimiter) Acquire(key string, n int64) Result {
	l.acquired[key] += n
	if l.allow {
		return Result{Allowed: true, TokensRemaining: 1}
	}
	return Result{Allowed: false, RetryAfter: 5 * time.Second}
}

func (l *countingLimiter) Charge(key string, n int64) {
	l.charged[key] += n
}

func TestComposite_AllLayersGrant(t *testing.T) {
	api := newCountingLimiter(true)
	stage := newCountingLimiter(true)
	cost := newCountingLimiter(true)
	c := NewComposite(api, stage, nil, cost, DefaultPricing)

	r := c.AcquireForStage(1, 1500)
	if !r.Allowed {
		t.Fatalf("all layers allow, admission should succeed")
	}
	if api.acquired["api"] != 1 || stage.acquired["stage1"] != 1 {
		t.Fatalf("request layers not charged: api=%v stage=%v", api.acquired, stage.acquired)
	}
	// 1500 in + 375 out at default pricing = 4500 + 5625 micro-USD
	if cost.acquired["cost"] != 10_125 {
		t.Fatalf("cost layer charged %d micro-USD, want 10125", cost.acquired["cost"])
	}
}

// TestComposite_LaterDenialRefundsEarlierLayers: a denial must leave no
// residue in the layers that already granted.
func TestComposite_LaterDenialRefundsEarlierLayers(t *testing.T) {
	api := newCountingLimiter(true)
	stage := newCountingLimiter(true)
	cost := newCountingLimiter(false)
	c := NewComposite(api, stage, nil, cost, DefaultPricing)

	r := c.AcquireForStage(1, 1500)
	if r.Allowed {
		t.Fatalf("cost denial must deny the whole admission")
	}
	if r.RetryAfter != 5*time.Second {
		t.Fatalf("denial should surface the denying layer's hint, got %v", r.RetryAfter)
	}
	if api.charged["api"] != -1 {
		t.Fatalf("api layer refund = %d, want -1", api.charged["api"])
	}
	if stage.charged["stage1"] != -1 {
		t.Fatalf("stage layer refund = %d, want -1", stage.charged["stage1"])
	}
	if len(cost.charged) != 0 {
		t.Fatalf("the denying layer must not be refunded: %v", cost.charged)
	}
}

func TestComposite_StageSelection(t *testing.T) {
	api := newCountingLimiter(true)
	s1 := newCountingLimiter(true)
	s2 := newCountingLimiter(true)
	c := NewComposite(api, s1, s2, nil, DefaultPricing)

	c.AcquireForStage(1, 100)
	c.AcquireForStage(2, 100)
	c.AcquireForStage(2, 100)

	if s1.acquired["stage1"] != 1 || s2.acquired["stage2"] != 2 {
		t.Fatalf("stage routing wrong: s1=%v s2=%v", s1.acquired, s2.acquired)
	}
	if api.acquired["api"] != 3 {
		t.Fatalf("api layer should see every admission, got %v", api.acquired)
	}
}

func TestComposite_NilLayersAreSkipped(t *testing.T) {
	api := newCountingLimiter(true)
	c := NewComposite(api, nil, nil, nil, DefaultPricing)

	if r := c.AcquireForStage(1, 100); !r.Allowed {
		t.Fatalf("api-only stack should admit")
	}
	if r := c.AcquireForStage(2, 100); !r.Allowed {
		t.Fatalf("api-only stack should admit stage 2")
	}
}

// TestComposite_CostFloorsAtOneMicroUSD: tiny estimates still charge at
// least one micro-USD so the spend ledger never records free requests.
func TestComposite_CostFloorsAtOneMicroUSD(t *testing.T) {
	cost := newCountingLimiter(true)
	c := NewComposite(newCountingLimiter(true), nil, nil, cost, Pricing{})

	c.AcquireForStage(1, 10)
	if cost.acquired["cost"] != 1 {
		t.Fatalf("zero-priced estimate should floor at 1, got %d", cost.acquired["cost"])
	}
}
