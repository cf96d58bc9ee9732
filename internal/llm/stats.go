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

package llm

import (
	"sync"
	"sync/atomic"
	"time"
)

// statsWindow bounds the latency history behind the health score.
const statsWindow = 100

// healthyLatency is the latency at or below which the latency component of
// the health score is 1.0; the component decays linearly to 0 at 5x this.
const healthyLatency = time.Second

// PipelineStats is the per-client observability snapshot. HealthScore blends
// the success rate (70%) with a recent-latency component (30%); 1.0 is a
// fully healthy client.
type PipelineStats struct {
	Requests      int64
	Errors        int64
	CacheHits     int64
	CacheMisses   int64
	RateLimitHits int64

	SuccessRate  float64
	AvgLatencyMs float64
	HealthScore  float64
}

type clientStats struct {
	requests    atomic.Int64
	errors      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	rlHits      atomic.Int64

	mu        sync.Mutex
	latencies [statsWindow]time.Duration
	latIdx    int
	latFilled bool
}

func (s *clientStats) observe(fromCache, ok bool, latency time.Duration) {
	s.requests.Add(1)
	if !ok {
		s.errors.Add(1)
	}
	if fromCache {
		s.cacheHits.Add(1)
		return
	}
	s.cacheMisses.Add(1)
	s.mu.Lock()
	s.latencies[s.latIdx] = latency
	s.latIdx++
	if s.latIdx == statsWindow {
		s.latIdx = 0
		s.latFilled = true
	}
	s.mu.Unlock()
}

func (s *clientStats) rateLimited() { s.rlHits.Add(1) }

func (s *clientStats) snapshot() PipelineStats {
	out := PipelineStats{
		Requests:      s.requests.Load(),
		Errors:        s.errors.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		RateLimitHits: s.rlHits.Load(),
	}
	if out.Requests > 0 {
		out.SuccessRate = float64(out.Requests-out.Errors) / float64(out.Requests)
	}

	s.mu.Lock()
	n := s.latIdx
	if s.latFilled {
		n = statsWindow
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += s.latencies[i]
	}
	s.mu.Unlock()

	latScore := 1.0
	if n > 0 {
		avg := sum / time.Duration(n)
		out.AvgLatencyMs = float64(avg.Milliseconds())
		if avg > healthyLatency {
			latScore = 1 - float64(avg-healthyLatency)/float64(4*healthyLatency)
			if latScore < 0 {
				latScore = 0
			}
		}
	}
	if out.Requests == 0 {
		out.HealthScore = 1.0
	} else {
		out.HealthScore = 0.7*out.SuccessRate + 0.3*latScore
	}
	return out
}
