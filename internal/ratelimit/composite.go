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

// refunder is implemented by limiters that can give tokens back. Charge with
// a negative count is a refund; Sharded (and therefore Adaptive) implements
// it.
type refunder interface {
	Charge(key string, n int64)
}

// Composite stacks the per-request limiter, the per-stage limiters, and a
// spend limiter. An admission must pass every applicable layer; when a later
// layer denies, tokens already taken from earlier layers are refunded so a
// denial leaves no residue.
//
// The cost layer is a token bucket whose unit is micro-USD, not tokens: its
// Rate is a spend budget per period, and each admission charges the priced
// estimate of the request. Billing spend against a micro-USD bucket keeps
// one abstraction for both counting and budgeting.
type Composite struct {
	api     Limiter
	stage1  Limiter
	stage2  Limiter
	cost    Limiter // nil disables spend gating
	pricing Pricing
}

// NewComposite assembles the stack. Any layer but api may be nil.
func NewComposite(api, stage1, stage2, cost Limiter, pricing Pricing) *Composite {
	return &Composite{api: api, stage1: stage1, stage2: stage2, cost: cost, pricing: pricing}
}

type layer struct {
	lim Limiter
	key string
	n   int64
}

// AcquireForStage admits one request for the given stage with the supplied
// token estimate. The result is the first denial encountered, or the last
// layer's grant.
func (c *Composite) AcquireForStage(stage int, estimatedTokens int64) Result {
	stageLim := c.stage1
	stageKey := "stage1"
	if stage == 2 {
		stageLim = c.stage2
		stageKey = "stage2"
	}

	layers := make([]layer, 0, 3)
	if c.api != nil {
		layers = append(layers, layer{c.api, "api", 1})
	}
	if stageLim != nil {
		layers = append(layers, layer{stageLim, stageKey, 1})
	}
	if c.cost != nil {
		est := c.pricing.Cost(estimatedTokens, estimatedTokens/4)
		if est < 1 {
			est = 1
		}
		layers = append(layers, layer{c.cost, "cost", est})
	}

	var granted []layer
	last := Result{Allowed: true}
	for _, l := range layers {
		r := l.lim.Acquire(l.key, l.n)
		if !r.Allowed {
			for _, g := range granted {
				if rf, ok := g.lim.(refunder); ok {
					rf.Charge(g.key, -g.n)
				}
			}
			return r
		}
		granted = append(granted, l)
		last = r
	}
	return last
}
