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

// Package collect re-sequences concurrent results. Workers finish out of
// order; downstream writers require ascending positions. The collector
// accepts results keyed by position, enforces exactly-once insertion, and
// yields the ordered sequence on flush.
package collect

import (
	"context"
	"sort"
	"sync"
	"time"

	"sejong/internal/errs"
)

// ProcessingResult is the outcome of one item: either a flashcard TSV block
// or a categorized error, never both.
type ProcessingResult struct {
	Position       int
	Term           string
	FlashcardTSV   string
	Err            error
	FromCache      bool
	ProcessingTime time.Duration
}

// OK reports whether the item succeeded.
func (r ProcessingResult) OK() bool { return r.Err == nil }

// Collector gathers out-of-order results up to an expected count.
type Collector struct {
	mu       sync.Mutex
	expected int
	results  map[int]ProcessingResult
	done     chan struct{}
}

// New creates a collector expecting exactly expected results.
func New(expected int) *Collector {
	c := &Collector{
		expected: expected,
		results:  make(map[int]ProcessingResult, expected),
		done:     make(chan struct{}),
	}
	if expected == 0 {
		close(c.done)
	}
	return c
}

// Add inserts one result. Positions are exactly-once: a duplicate insertion
// is a programming error upstream and is rejected, never silently
// overwritten.
func (c *Collector) Add(r ProcessingResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.results[r.Position]; dup {
		return errs.Validation("duplicate result for position %d", r.Position)
	}
	if c.expected > 0 && len(c.results) >= c.expected {
		return errs.Validation("collector already holds %d of %d results", len(c.results), c.expected)
	}
	c.results[r.Position] = r
	if len(c.results) == c.expected {
		close(c.done)
	}
	return nil
}

// Has reports whether a result for position is present.
func (c *Collector) Has(position int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.results[position]
	return ok
}

// Len reports how many results are held.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Ordered returns the held results sorted ascending by position.
func (c *Collector) Ordered() []ProcessingResult {
	c.mu.Lock()
	out := make([]ProcessingResult, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// WaitAll blocks until the collector holds the expected count, the timeout
// elapses, or ctx is cancelled.
func (c *Collector) WaitAll(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-c.done:
		return nil
	case <-timer:
		return errs.Timeout("collector wait")
	case <-ctx.Done():
		return errs.Timeout("collector wait cancelled")
	}
}

// Stats summarizes the held results.
type Stats struct {
	Expected  int
	Held      int
	Succeeded int
	Failed    int
	CacheHits int
	HitRate   float64
}

// Stats computes the summary under the lock.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Expected: c.expected, Held: len(c.results)}
	for _, r := range c.results {
		if r.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if r.FromCache {
			s.CacheHits++
		}
	}
	if s.Held > 0 {
		s.HitRate = float64(s.CacheHits) / float64(s.Held)
	}
	return s
}
