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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func TestCollector_RecordAggregatesBatchCounters(t *testing.T) {
	c := newTestCollector()
	c.Record(RequestRecord{
		Stage: 1, InputTokens: 1000, OutputTokens: 500,
		CostMicroUSD: 10_500, Latency: 800 * time.Millisecond,
		Outcome: OutcomeSuccess,
	})
	c.Record(RequestRecord{
		Stage: 2, FromCache: true, Outcome: OutcomeSuccess,
	})
	c.Record(RequestRecord{
		Stage: 1, Latency: 200 * time.Millisecond,
		Outcome: OutcomeFailure, ErrorKind: "network",
	})

	s := c.Snapshot()
	if s.CacheHits != 1 || s.CacheMisses != 2 {
		t.Fatalf("cache hits/misses = %d/%d, want 1/2", s.CacheHits, s.CacheMisses)
	}
	if s.TotalTokens != 1500 {
		t.Fatalf("total tokens = %d, want 1500", s.TotalTokens)
	}
	if s.CostMicroUSD != 10_500 {
		t.Fatalf("cost = %d micro-USD, want 10500", s.CostMicroUSD)
	}
	if s.ErrorClusters["network"] != 1 {
		t.Fatalf("error clusters = %v, want network:1", s.ErrorClusters)
	}
	// two non-cache latencies: (800 + 200) / 2
	if s.AvgLatencyMs != 500 {
		t.Fatalf("avg latency = %.1fms, want 500", s.AvgLatencyMs)
	}
}

func TestCollector_ItemCountersDriveRates(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 4; i++ {
		c.ItemStarted()
	}
	c.ItemCompleted(true)
	c.ItemCompleted(true)
	c.ItemCompleted(true)
	c.ItemCompleted(false)

	s := c.Snapshot()
	if s.Completed != 4 || s.Failed != 1 {
		t.Fatalf("completed/failed = %d/%d, want 4/1", s.Completed, s.Failed)
	}
	if s.SuccessRate != 0.75 {
		t.Fatalf("success rate = %f, want 0.75", s.SuccessRate)
	}
	if s.ItemsPerSecond <= 0 {
		t.Fatalf("items per second should be positive, got %f", s.ItemsPerSecond)
	}
}

func TestCollector_TokensSavedIgnoresNonPositive(t *testing.T) {
	c := newTestCollector()
	c.TokensSaved(1200)
	c.TokensSaved(0)
	c.TokensSaved(-5)
	if s := c.Snapshot(); s.TokensSaved != 1200 {
		t.Fatalf("tokens saved = %d, want 1200", s.TokensSaved)
	}
}

// TestCollector_ResetBatchPreservesPrometheus: batch counters go back to
// zero, cumulative Prometheus series do not.
func TestCollector_ResetBatchPreservesPrometheus(t *testing.T) {
	c := newTestCollector()
	c.RateLimitHit()
	c.BreakerTripped()
	c.Record(RequestRecord{Stage: 1, Latency: time.Second, Outcome: OutcomeSuccess})

	c.ResetBatch()
	s := c.Snapshot()
	if s.RateLimitHits != 0 || s.BreakerTrips != 0 || s.CacheMisses != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("snapshot after reset = %+v, want zeroed batch counters", s)
	}
	if got := testutil.ToFloat64(c.rateLimitHits); got != 1 {
		t.Fatalf("prometheus rate-limit counter = %v, must survive a batch reset", got)
	}
	if got := testutil.ToFloat64(c.breakerTrips); got != 1 {
		t.Fatalf("prometheus breaker counter = %v, must survive a batch reset", got)
	}
}

func TestCollector_LatencyWindowBounded(t *testing.T) {
	c := newTestCollector()
	// fill past the window with 10ms, then overwrite with 20ms
	for i := 0; i < latencyWindow; i++ {
		c.Record(RequestRecord{Stage: 1, Latency: 10 * time.Millisecond, Outcome: OutcomeSuccess})
	}
	for i := 0; i < latencyWindow; i++ {
		c.Record(RequestRecord{Stage: 1, Latency: 20 * time.Millisecond, Outcome: OutcomeSuccess})
	}
	if s := c.Snapshot(); s.AvgLatencyMs != 20 {
		t.Fatalf("avg latency = %.1fms, only the trailing window should count", s.AvgLatencyMs)
	}
}

func TestCollector_SnapshotOnEmptyBatchIsZero(t *testing.T) {
	s := newTestCollector().Snapshot()
	if s.SuccessRate != 0 || s.CacheHitRate != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("empty snapshot should carry zero rates: %+v", s)
	}
}
