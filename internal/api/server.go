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

// Package api is the operational HTTP surface of a running batch: liveness,
// Prometheus metrics, and a read-only JSON stats snapshot. It exposes no
// mutating endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sejong/internal/cache"
	"sejong/internal/llm"
	"sejong/internal/metrics"
	"sejong/internal/ratelimit"
)

// limiterStats and pipelineStats decouple the server from the concrete
// limiter and client types; any implementation with a Stats method fits.
type limiterStats interface {
	Stats() ratelimit.Stats
}

type pipelineStats interface {
	Stats() llm.PipelineStats
}

// Server serves the ops endpoints. Every collaborator is optional; absent
// ones are simply omitted from the stats snapshot.
type Server struct {
	registry *prometheus.Registry
	metrics  *metrics.Collector
	cache    *cache.Store
	limiter  limiterStats
	pipeline pipelineStats
	log      *zap.Logger

	http *http.Server
}

// Options wires the server.
type Options struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Cache    *cache.Store
	Limiter  limiterStats
	Pipeline pipelineStats
	Logger   *zap.Logger
}

// NewServer builds the server; call ListenAndServe to start it.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		registry: opts.Registry,
		metrics:  opts.Metrics,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		pipeline: opts.Pipeline,
		log:      opts.Logger,
	}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statsResponse is the read-only snapshot returned by /stats.
type statsResponse struct {
	Batch    *metrics.BatchSnapshot `json:"batch,omitempty"`
	Cache    *cache.Stats           `json:"cache,omitempty"`
	Limiter  *ratelimit.Stats       `json:"limiter,omitempty"`
	Pipeline *llm.PipelineStats     `json:"pipeline,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.metrics != nil {
		b := s.metrics.Snapshot()
		resp.Batch = &b
	}
	if s.cache != nil {
		c := s.cache.Stats()
		resp.Cache = &c
	}
	if s.limiter != nil {
		l := s.limiter.Stats()
		resp.Limiter = &l
	}
	if s.pipeline != nil {
		p := s.pipeline.Stats()
		resp.Pipeline = &p
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		s.log.Warn("stats encode failed", zap.Error(err))
	}
}

// ListenAndServe starts the HTTP server on the specified address and blocks
// until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("ops server listening", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
