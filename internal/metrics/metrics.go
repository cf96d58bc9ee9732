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

// Package metrics is the cross-cutting collector for the generation engine.
// It keeps two views of the same events: Prometheus collectors for live
// scraping, and cheap atomic counters plus a bounded latency window for the
// end-of-batch summary. Recording is safe from hot paths.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyWindow bounds the per-batch latency history. Only the most recent
// samples participate in the average and the health computations.
const latencyWindow = 100

// Outcome labels a finished request.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RequestRecord is the per-request measurement handed to Record.
type RequestRecord struct {
	Timestamp    time.Time
	Stage        int // 1 or 2
	FromCache    bool
	InputTokens  int64
	OutputTokens int64
	CostMicroUSD int64
	Latency      time.Duration
	Outcome      Outcome
	ErrorKind    string // empty on success
}

// Collector aggregates request and batch measurements. A single instance is
// constructed at process start and injected into every component; there are
// no package-level singletons.
type Collector struct {
	requests      *prometheus.CounterVec
	cacheEvents   *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	costMicroUSD  prometheus.Counter
	rateLimitHits prometheus.Counter
	breakerTrips  prometheus.Counter
	latency       *prometheus.HistogramVec

	// batch-scope counters, reset by ResetBatch
	started        atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	totalTokens    atomic.Int64
	totalCostMicro atomic.Int64
	tokensSaved    atomic.Int64
	rlHits         atomic.Int64
	trips          atomic.Int64

	mu          sync.Mutex
	latencies   []time.Duration // ring, bounded to latencyWindow
	latIdx      int
	latFilled   bool
	errClusters map[string]int64
	batchStart  time.Time
}

// NewCollector builds a collector and registers its Prometheus metrics on
// reg. Pass prometheus.NewRegistry() in tests to avoid global state.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sejong_requests_total",
			Help: "Finished model requests by stage and outcome",
		}, []string{"stage", "outcome"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sejong_cache_events_total",
			Help: "Cache lookups by stage and result (hit/miss)",
		}, []string{"stage", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sejong_tokens_total",
			Help: "Tokens consumed by stage and direction (input/output)",
		}, []string{"stage", "direction"}),
		costMicroUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sejong_cost_microusd_total",
			Help: "Estimated spend in micro-USD",
		}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sejong_rate_limit_hits_total",
			Help: "Requests denied or delayed by a rate limiter (local or upstream 429)",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sejong_breaker_trips_total",
			Help: "Circuit breaker transitions into the open state",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sejong_request_latency_seconds",
			Help:    "Model request latency by stage, cache hits excluded",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		latencies:   make([]time.Duration, latencyWindow),
		errClusters: make(map[string]int64),
		batchStart:  time.Now(),
	}
	if reg != nil {
		reg.MustRegister(c.requests, c.cacheEvents, c.tokens, c.costMicroUSD,
			c.rateLimitHits, c.breakerTrips, c.latency)
	}
	return c
}

func stageLabel(stage int) string {
	if stage == 2 {
		return "2"
	}
	return "1"
}

// Record ingests one finished request.
func (c *Collector) Record(r RequestRecord) {
	sl := stageLabel(r.Stage)
	c.requests.WithLabelValues(sl, string(r.Outcome)).Inc()
	if r.FromCache {
		c.cacheEvents.WithLabelValues(sl, "hit").Inc()
		c.cacheHits.Add(1)
	} else {
		c.cacheEvents.WithLabelValues(sl, "miss").Inc()
		c.cacheMisses.Add(1)
		c.latency.WithLabelValues(sl).Observe(r.Latency.Seconds())
		c.observeLatency(r.Latency)
	}
	if r.InputTokens > 0 {
		c.tokens.WithLabelValues(sl, "input").Add(float64(r.InputTokens))
	}
	if r.OutputTokens > 0 {
		c.tokens.WithLabelValues(sl, "output").Add(float64(r.OutputTokens))
	}
	c.totalTokens.Add(r.InputTokens + r.OutputTokens)
	if r.CostMicroUSD > 0 {
		c.costMicroUSD.Add(float64(r.CostMicroUSD))
		c.totalCostMicro.Add(r.CostMicroUSD)
	}
	if r.Outcome == OutcomeFailure && r.ErrorKind != "" {
		c.mu.Lock()
		c.errClusters[r.ErrorKind]++
		c.mu.Unlock()
	}
}

func (c *Collector) observeLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies[c.latIdx] = d
	c.latIdx++
	if c.latIdx == len(c.latencies) {
		c.latIdx = 0
		c.latFilled = true
	}
	c.mu.Unlock()
}

// ItemStarted marks one batch item admitted into processing.
func (c *Collector) ItemStarted() { c.started.Add(1) }

// ItemCompleted marks one batch item finished, success or failure.
func (c *Collector) ItemCompleted(ok bool) {
	c.completed.Add(1)
	if !ok {
		c.failed.Add(1)
	}
}

// TokensSaved accumulates tokens a cache hit avoided spending.
func (c *Collector) TokensSaved(n int64) {
	if n > 0 {
		c.tokensSaved.Add(n)
	}
}

// RateLimitHit counts one denial by a limiter or an upstream 429.
func (c *Collector) RateLimitHit() {
	c.rateLimitHits.Inc()
	c.rlHits.Add(1)
}

// BreakerTripped counts one closed-to-open transition.
func (c *Collector) BreakerTripped() {
	c.breakerTrips.Inc()
	c.trips.Add(1)
}

// ResetBatch zeroes the batch-scope counters for a fresh run. Prometheus
// counters are cumulative and are left alone.
func (c *Collector) ResetBatch() {
	c.started.Store(0)
	c.completed.Store(0)
	c.failed.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.totalTokens.Store(0)
	c.totalCostMicro.Store(0)
	c.tokensSaved.Store(0)
	c.rlHits.Store(0)
	c.trips.Store(0)
	c.mu.Lock()
	c.latIdx = 0
	c.latFilled = false
	c.errClusters = make(map[string]int64)
	c.batchStart = time.Now()
	c.mu.Unlock()
}

// BatchSnapshot is the closing metrics record carried by checkpoints and the
// final report.
type BatchSnapshot struct {
	Completed      int64            `json:"completed"`
	Failed         int64            `json:"failed"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	TotalTokens    int64            `json:"total_tokens"`
	TokensSaved    int64            `json:"tokens_saved"`
	CostMicroUSD   int64            `json:"cost_micro_usd"`
	RateLimitHits  int64            `json:"rate_limit_hits"`
	BreakerTrips   int64            `json:"breaker_trips"`
	ItemsPerSecond float64          `json:"items_per_second"`
	SuccessRate    float64          `json:"success_rate"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	ErrorClusters  map[string]int64 `json:"error_clusters,omitempty"`
	Elapsed        time.Duration    `json:"elapsed_ns"`
}

// Snapshot derives the current batch aggregates.
func (c *Collector) Snapshot() BatchSnapshot {
	completed := c.completed.Load()
	failed := c.failed.Load()
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	c.mu.Lock()
	elapsed := time.Since(c.batchStart)
	n := c.latIdx
	if c.latFilled {
		n = len(c.latencies)
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += c.latencies[i]
	}
	clusters := make(map[string]int64, len(c.errClusters))
	for k, v := range c.errClusters {
		clusters[k] = v
	}
	c.mu.Unlock()

	s := BatchSnapshot{
		Completed:     completed,
		Failed:        failed,
		CacheHits:     hits,
		CacheMisses:   misses,
		TotalTokens:   c.totalTokens.Load(),
		TokensSaved:   c.tokensSaved.Load(),
		CostMicroUSD:  c.totalCostMicro.Load(),
		RateLimitHits: c.rlHits.Load(),
		BreakerTrips:  c.trips.Load(),
		ErrorClusters: clusters,
		Elapsed:       elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.ItemsPerSecond = float64(completed) / secs
	}
	if completed > 0 {
		s.SuccessRate = float64(completed-failed) / float64(completed)
	}
	if hits+misses > 0 {
		s.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	if n > 0 {
		s.AvgLatencyMs = float64(sum.Milliseconds()) / float64(n)
	}
	return s
}
