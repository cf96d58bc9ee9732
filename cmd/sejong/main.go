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

// Package main runs one flashcard generation batch end to end: it reads a
// vocabulary TSV, drives every item through the two-stage pipeline, and
// writes the ordered flashcard TSV. The resilience stack (cache, sharded
// rate limiter, circuit breakers, retry) is assembled here and injected;
// nothing in the engine reaches for globals.
//
// Environment supplies credentials and engine tuning (API_KEY is required);
// flags cover the per-run choices: input, output, mode, resume.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sejong/internal/api"
	"sejong/internal/breaker"
	"sejong/internal/cache"
	"sejong/internal/checkpoint"
	"sejong/internal/collect"
	"sejong/internal/config"
	"sejong/internal/llm"
	"sejong/internal/metrics"
	"sejong/internal/orchestrator"
	"sejong/internal/parse"
	"sejong/internal/ratelimit"
	"sejong/internal/retry"
	"sejong/internal/vocab"
)

func main() {
	// 1. Per-run flags. Engine tuning lives in the environment (see
	// internal/config); these are the choices that change between runs.
	input := flag.String("input", "", "Vocabulary TSV to process: term<TAB>pos per line, optional leading position column")
	output := flag.String("output", "flashcards.tsv", "Where the ordered flashcard TSV is written")
	mode := flag.String("mode", "concurrent", "Batch mode: sequential, concurrent or batched")
	batchID := flag.String("batch_id", "", "Batch identifier; generated when empty")
	resume := flag.Bool("resume", false, "Resume the batch from its last checkpoint")
	opsAddr := flag.String("ops_addr", "", "If non-empty, expose /healthz, /metrics and /stats on this address (e.g. :9090)")
	dbDSN := flag.String("db_dsn", "", "Postgres DSN for checkpoints, archives and usage tracking; empty runs in-memory")
	redisAddr := flag.String("redis_addr", "", "Redis address for cross-process usage quotas; empty uses the database (or nothing)")
	targetLatency := flag.Duration("target_latency", 0, "Per-item latency target for batched-mode size tuning; 0 disables")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *input == "" {
		log.Fatal("an -input vocabulary file is required")
	}

	// 2. Configuration from the environment. A missing API_KEY fails here,
	// before any component spins up.
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("configuration", zap.Error(err))
	}

	items, err := loadItems(*input)
	if err != nil {
		log.Fatal("load vocabulary", zap.String("path", *input), zap.Error(err))
	}
	if len(items) == 0 {
		log.Fatal("vocabulary file contains no items", zap.String("path", *input))
	}

	// 3. Cross-cutting collaborators: metrics registry and the cache.
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	store, err := cache.NewStore(cache.Options{
		Dir:                    cfg.CacheDir,
		TTL:                    cfg.CacheTTL,
		MaxEntries:             cfg.CacheMaxEntries,
		CostPerMillionMicroUSD: ratelimit.DefaultPricing.OutputPerMillionMicro,
	}, log)
	if err != nil {
		log.Fatal("cache init", zap.Error(err))
	}

	// 4. Optional durable stores. With a database we get checkpoints,
	// parse archives and usage rows; with Redis, cross-process quotas.
	var (
		ckptStore  checkpoint.Store = checkpoint.NewMemStore()
		archive    parse.Archive
		usageStore ratelimit.UsageStore
	)
	ctx := context.Background()
	if *dbDSN != "" {
		db, err := sqlx.Open("postgres", *dbDSN)
		if err != nil {
			log.Fatal("database open", zap.Error(err))
		}
		defer db.Close()

		sqlCkpt := checkpoint.NewSQLStore(db)
		sqlArchive := parse.NewSQLArchive(db)
		sqlUsage := ratelimit.NewSQLUsageStore(db)
		for name, ensure := range map[string]func(context.Context) error{
			"checkpoints": sqlCkpt.EnsureSchema,
			"archive":     sqlArchive.EnsureSchema,
			"usage":       sqlUsage.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Fatal("schema init", zap.String("table", name), zap.Error(err))
			}
		}
		ckptStore, archive, usageStore = sqlCkpt, sqlArchive, sqlUsage
	}
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		usageStore = ratelimit.NewRedisUsageStore(rdb, "sejong", 48*time.Hour)
	}

	// 5. The limiter stack. The per-minute layer adapts to upstream 429s;
	// the per-stage layers carry the hourly budget; the optional cost layer
	// meters spend in micro-USD.
	minuteCfg := ratelimit.Config{
		Rate:   int64(cfg.RequestsPerMinute),
		Period: time.Minute,
		Burst:  int64(cfg.BurstSize),
	}
	adaptive := ratelimit.NewAdaptive(minuteCfg,
		int64(cfg.RequestsPerMinute)/4, int64(cfg.RequestsPerMinute)*2, log)

	var apiLimiter ratelimit.Limiter = adaptive
	if usageStore != nil && (cfg.DailyTokenQuota > 0 || cfg.MonthlyBudgetUSD > 0) {
		apiLimiter = ratelimit.NewQuota(adaptive, usageStore,
			cfg.DailyTokenQuota, cfg.MonthlyBudgetUSD, log)
	}

	hourly := func() ratelimit.Limiter {
		return ratelimit.NewSharded(ratelimit.Config{
			Rate:   int64(cfg.RequestsPerHour),
			Period: time.Hour,
		})
	}
	var costLimiter ratelimit.Limiter
	if cfg.MonthlyBudgetUSD > 0 {
		costLimiter = ratelimit.NewSharded(ratelimit.Config{
			Rate:   int64(cfg.MonthlyBudgetUSD * 1e6),
			Period: 30 * 24 * time.Hour,
			Shards: 1,
		})
	}
	composite := ratelimit.NewComposite(apiLimiter, hourly(), hourly(), costLimiter, ratelimit.DefaultPricing)

	// 6. Breakers and the API pipeline.
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.CircuitFailureThreshold,
		RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
		Adaptive:         true,
		OnTrip:           func(string) { collector.BreakerTripped() },
		Logger:           log,
	})

	client := llm.NewClient(llm.ClientOptions{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout,
	})
	runID := *batchID
	if runID == "" {
		runID = uuid.NewString()
	}
	pipeline, err := llm.NewPipeline(llm.PipelineOptions{
		Client:   client,
		Cache:    store,
		Limiter:  composite,
		Breakers: breakers,
		Retry: retry.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Base:         2,
			Jitter:       true,
		},
		Metrics:     collector,
		Pricing:     ratelimit.DefaultPricing,
		ModelStage1: cfg.ModelStage1,
		ModelStage2: cfg.ModelStage2,
		Archive:     archive,
		TaskID:      runID,
		Usage:       usageStore,
		Adaptive:    adaptive,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("pipeline init", zap.Error(err))
	}

	// 7. Optional ops endpoint, in its own goroutine.
	var opsServer *api.Server
	if *opsAddr != "" {
		opsServer = api.NewServer(api.Options{
			Registry: registry,
			Metrics:  collector,
			Cache:    store,
			Limiter:  adaptive,
			Pipeline: pipeline,
			Logger:   log,
		})
		go func() {
			if err := opsServer.ListenAndServe(*opsAddr); err != nil && err != http.ErrServerClosed {
				log.Error("ops server", zap.Error(err))
			}
		}()
	}

	// 8. The orchestrator. SIGINT/SIGTERM cancels the batch: no new items
	// are admitted, in-flight items finish on their own deadlines, and a
	// final checkpoint records what is still pending.
	orch, err := orchestrator.New(pipeline, store, ckptStore, archive, collector, orchestrator.Options{
		Mode:               parseMode(*mode),
		MaxConcurrent:      cfg.MaxConcurrent,
		BatchSize:          cfg.BatchSize,
		CheckpointInterval: cfg.CheckpointInterval,
		TargetItemLatency:  *targetLatency,
		OnProgress: func(completed, total, inProgress int) {
			if completed%25 == 0 || completed == total {
				log.Info("progress",
					zap.Int("completed", completed),
					zap.Int("total", total),
					zap.Int("in_progress", inProgress))
			}
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal("orchestrator init", zap.Error(err))
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var report *orchestrator.Report
	if *resume {
		report, err = orch.Resume(runCtx, runID, items)
	} else {
		report, err = orch.Run(runCtx, runID, items)
	}
	if report == nil {
		log.Fatal("batch failed", zap.Error(err))
	}
	if err != nil {
		log.Warn("batch interrupted", zap.Error(err))
	}

	// 9. Write the ordered output and print the closing summary.
	if werr := writeOutput(*output, report.Results); werr != nil {
		log.Error("output write", zap.String("path", *output), zap.Error(werr))
	}
	printSummary(report, store.Stats())

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("ops shutdown", zap.Error(err))
		}
	}
}

func parseMode(s string) orchestrator.Mode {
	switch strings.ToLower(s) {
	case "sequential":
		return orchestrator.ModeSequential
	case "batched":
		return orchestrator.ModeBatched
	default:
		return orchestrator.ModeConcurrent
	}
}

// loadItems reads the vocabulary TSV. Accepted line shapes:
//
//	term
//	term<TAB>pos
//	position<TAB>term<TAB>pos
//
// Lines without an explicit position get sequential ones. Blank lines and
// #-comments are skipped.
func loadItems(path string) ([]vocab.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []vocab.Item
	next := 1
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, "\t")
		it := vocab.Item{Position: next}
		switch len(cols) {
		case 1:
			it.Term = cols[0]
			it.Type = vocab.POSUnknown
		case 2:
			it.Term = cols[0]
			it.Type = vocab.NormalizePOS(cols[1])
		default:
			if pos, perr := strconv.Atoi(cols[0]); perr == nil {
				it.Position = pos
			}
			it.Term = cols[1]
			it.Type = vocab.NormalizePOS(cols[2])
		}
		it.Term = strings.TrimSpace(it.Term)
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if it.Position >= next {
			next = it.Position + 1
		} else {
			next++
		}
		items = append(items, it)
	}
	return items, sc.Err()
}

// writeOutput emits the ordered flashcard TSV. Failed items leave no rows;
// the summary names them.
func writeOutput(path string, results []collect.ProcessingResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(vocab.TSVHeader + "\n"); err != nil {
		return err
	}
	for _, r := range results {
		if !r.OK() || r.FlashcardTSV == "" {
			continue
		}
		body := r.FlashcardTSV
		// Per-item TSV carries its own header; keep only the rows.
		if i := strings.IndexByte(body, '\n'); i >= 0 && strings.HasPrefix(body, "position\t") {
			body = body[i+1:]
		}
		if body == "" {
			continue
		}
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		if _, err := w.WriteString(body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// printSummary is the single end-of-process report, in the same spirit as a
// final persistence summary: one block, everything that matters.
func printSummary(rep *orchestrator.Report, cs cache.Stats) {
	fmt.Printf("\n=== batch %s (%s) ===\n", rep.BatchID, rep.Mode)
	fmt.Printf("items:       %d succeeded, %d failed", rep.Collector.Succeeded, rep.Collector.Failed)
	if rep.Resumed > 0 {
		fmt.Printf(" (%d restored from checkpoint)", rep.Resumed)
	}
	fmt.Println()
	fmt.Printf("cache:       %d hits, %d misses, %d tokens saved (~$%.4f)\n",
		cs.Hits, cs.Misses, cs.TokensSaved, ratelimit.USD(cs.EstimatedSavedMicroUSD))
	fmt.Printf("tokens:      %d used, cost ~$%.4f\n",
		rep.Metrics.TotalTokens, ratelimit.USD(rep.Metrics.CostMicroUSD))
	fmt.Printf("throughput:  %.2f items/s, avg latency %.0f ms\n",
		rep.Metrics.ItemsPerSecond, rep.Metrics.AvgLatencyMs)
	if rep.Metrics.RateLimitHits > 0 || rep.Metrics.BreakerTrips > 0 {
		fmt.Printf("pressure:    %d rate-limit hits, %d breaker trips\n",
			rep.Metrics.RateLimitHits, rep.Metrics.BreakerTrips)
	}
	if len(rep.Metrics.ErrorClusters) > 0 {
		fmt.Printf("errors:\n")
		for kind, n := range rep.Metrics.ErrorClusters {
			fmt.Printf("  %-14s %d\n", kind, n)
		}
	}
	fmt.Printf("elapsed:     %s\n", rep.Metrics.Elapsed.Round(time.Millisecond))
}
