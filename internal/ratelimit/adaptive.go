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
	"sync"
	"time"

	"go.uber.org/zap"
)

// Adaptive growth/decay factors: ten clean calls buy a 5% raise, a single
// upstream 429 costs 10%.
const (
	adaptiveRaiseAfter = 10
	adaptiveRaise      = 1.05
	adaptiveDecay      = 0.9
)

// Adaptive wraps a Sharded limiter and steers its rate from observed
// upstream behavior: sustained success slowly raises the rate toward MaxRate,
// an upstream rate-limit hit cuts it and charges the advised wait against
// the bucket so recovery is delayed rather than instant.
type Adaptive struct {
	*Sharded

	minRate int64
	maxRate int64
	log     *zap.Logger

	mu            sync.Mutex
	consecutiveOK int
	rlHits        int64
}

// NewAdaptive builds an adaptive limiter over cfg with rate bounds
// [minRate, maxRate].
func NewAdaptive(cfg Config, minRate, maxRate int64, log *zap.Logger) *Adaptive {
	if log == nil {
		log = zap.NewNop()
	}
	if minRate < 0 {
		minRate = 0
	}
	if maxRate < cfg.Rate {
		maxRate = cfg.Rate
	}
	return &Adaptive{
		Sharded: NewSharded(cfg),
		minRate: minRate,
		maxRate: maxRate,
		log:     log,
	}
}

// OnSuccess records a clean upstream call. Every tenth consecutive success
// raises the rate by 5%, capped at the configured maximum.
func (a *Adaptive) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveOK++
	if a.consecutiveOK < adaptiveRaiseAfter {
		return
	}
	a.consecutiveOK = 0
	cur := a.Rate()
	next := int64(float64(cur) * adaptiveRaise)
	if next == cur {
		next = cur + 1
	}
	if next > a.maxRate {
		next = a.maxRate
	}
	if next != cur {
		a.SetRate(next)
		a.log.Debug("adaptive limiter raised rate",
			zap.Int64("from", cur), zap.Int64("to", next))
	}
}

// OnRateLimitHit records an upstream 429 for key: the rate drops by 10%
// (floored at the minimum) and the advised wait is charged against the
// bucket at the per-second rate so the limiter stays depleted through the
// server's cool-down.
func (a *Adaptive) OnRateLimitHit(key string, retryAfter time.Duration) {
	a.mu.Lock()
	a.consecutiveOK = 0
	a.rlHits++
	a.mu.Unlock()

	cur := a.Rate()
	next := int64(float64(cur) * adaptiveDecay)
	if next < a.minRate {
		next = a.minRate
	}
	if next != cur {
		a.SetRate(next)
	}
	if retryAfter > 0 {
		penalty := int64(retryAfter.Seconds() * a.PerSecond())
		if penalty > 0 {
			a.Charge(key, penalty)
		}
	}
	a.log.Warn("adaptive limiter backing off",
		zap.Int64("from", cur), zap.Int64("to", next),
		zap.Duration("retry_after", retryAfter))
}

// RateLimitHits reports how many upstream 429s the limiter has absorbed.
func (a *Adaptive) RateLimitHits() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rlHits
}
