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

// Package orchestrator drives a batch of vocabulary items through the
// two-stage pipeline. It owns every injected service (cache, limiter stack
// behind the API, checkpoint store, metrics) and runs one of three modes:
// sequential, concurrent under a bounded semaphore, or batched chunks.
// Results re-sequence through the collector; progress checkpoints every N
// completions; a fatal error (bad credential, bad config) cancels the batch,
// anything else fails only its item.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"sejong/internal/cache"
	"sejong/internal/checkpoint"
	"sejong/internal/collect"
	"sejong/internal/errs"
	"sejong/internal/llm"
	"sejong/internal/metrics"
	"sejong/internal/parse"
	"sejong/internal/vocab"
)

// Mode selects the batch driving strategy.
type Mode int

const (
	// ModeSequential processes one item at a time, in submission order.
	ModeSequential Mode = iota
	// ModeConcurrent admits items into a bounded worker pool.
	ModeConcurrent
	// ModeBatched drains fixed-size chunks one after another, tuning the
	// chunk size from observed latency.
	ModeBatched
)

func (m Mode) String() string {
	switch m {
	case ModeConcurrent:
		return "concurrent"
	case ModeBatched:
		return "batched"
	default:
		return "sequential"
	}
}

// ProgressFunc observes each completion.
type ProgressFunc func(completed, total, inProgress int)

// Options tunes a batch run.
type Options struct {
	Mode               Mode
	MaxConcurrent      int
	BatchSize          int
	CheckpointInterval int

	// WaitTimeout bounds the final drain; 0 waits on context alone.
	WaitTimeout time.Duration

	// TargetItemLatency enables batch-size tuning in ModeBatched when
	// positive: chunk size moves 10% per chunk toward the latency target.
	TargetItemLatency time.Duration

	OnProgress ProgressFunc
	Logger     *zap.Logger
}

// Orchestrator runs batches. Construct once, run one batch at a time.
type Orchestrator struct {
	api     llm.API
	cache   *cache.Store
	store   checkpoint.Store
	archive parse.Archive
	metrics *metrics.Collector
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	processed map[int]bool
	pending   []int
	batchID   string
	sinceCkpt int
	inFlight  int
	completed int
	total     int

	tuner *batchTuner
}

// New wires the orchestrator. cache and archive may be nil; store may be nil
// to disable checkpointing.
func New(api llm.API, cs *cache.Store, store checkpoint.Store, archive parse.Archive, mc *metrics.Collector, opts Options) (*Orchestrator, error) {
	if api == nil {
		return nil, errs.Configuration("orchestrator requires an API client")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		api:     api,
		cache:   cs,
		store:   store,
		archive: archive,
		metrics: mc,
		opts:    opts,
		log:     opts.Logger,
		tuner:   newBatchTuner(opts.BatchSize, opts.MaxConcurrent, opts.TargetItemLatency),
	}, nil
}

// Report is the closing record of a batch run.
type Report struct {
	BatchID   string
	Mode      string
	Results   []collect.ProcessingResult
	Collector collect.Stats
	Metrics   metrics.BatchSnapshot
	Resumed   int // positions pre-filled from a checkpoint
}

// Run processes items as a new batch. An empty batchID gets a generated one.
func (o *Orchestrator) Run(ctx context.Context, batchID string, items []vocab.Item) (*Report, error) {
	return o.run(ctx, batchID, items, false)
}

// Resume restarts the batch from its last checkpoint. Already-processed
// positions pre-fill the collector from archived outputs; pending positions
// become the work queue. Without a checkpoint the call degrades to Run.
func (o *Orchestrator) Resume(ctx context.Context, batchID string, items []vocab.Item) (*Report, error) {
	return o.run(ctx, batchID, items, true)
}

func (o *Orchestrator) run(ctx context.Context, batchID string, items []vocab.Item, resume bool) (*Report, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	byPos := make(map[int]vocab.Item, len(items))
	order := make([]int, 0, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byPos[it.Position]; dup {
			return nil, errs.Validation("duplicate position %d in batch", it.Position)
		}
		byPos[it.Position] = it
		order = append(order, it.Position)
	}

	if o.metrics != nil {
		o.metrics.ResetBatch()
	}
	col := collect.New(len(items))

	o.mu.Lock()
	o.batchID = batchID
	o.processed = make(map[int]bool, len(items))
	o.pending = order
	o.sinceCkpt = 0
	o.inFlight = 0
	o.completed = 0
	o.total = len(items)
	o.mu.Unlock()

	resumed := 0
	if resume && o.store != nil {
		var err error
		resumed, err = o.prefill(ctx, batchID, byPos, col)
		if err != nil {
			return nil, err
		}
	}

	// Batch-level cancellation: a fatal item error cancels this context so
	// no further work is admitted; in-flight items finish on their own
	// deadlines.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	queue := append([]int(nil), o.pending...)
	o.mu.Unlock()

	o.log.Info("batch start",
		zap.String("batch_id", batchID),
		zap.String("mode", o.opts.Mode.String()),
		zap.Int("items", len(items)),
		zap.Int("resumed", resumed))

	switch o.opts.Mode {
	case ModeConcurrent:
		o.runConcurrent(runCtx, cancel, queue, byPos, col)
	case ModeBatched:
		o.runBatched(runCtx, cancel, queue, byPos, col)
	default:
		o.runSequential(runCtx, cancel, queue, byPos, col)
	}

	if err := col.WaitAll(runCtx, o.opts.WaitTimeout); err != nil {
		// Cancellation or timeout left gaps; the final checkpoint below
		// records what is still pending.
		o.log.Warn("batch drain incomplete", zap.String("batch_id", batchID), zap.Error(err))
	}

	o.writeCheckpoint(context.WithoutCancel(ctx), true)

	rep := &Report{
		BatchID:   batchID,
		Mode:      o.opts.Mode.String(),
		Results:   col.Ordered(),
		Collector: col.Stats(),
		Resumed:   resumed,
	}
	if o.metrics != nil {
		rep.Metrics = o.metrics.Snapshot()
	}
	o.log.Info("batch done",
		zap.String("batch_id", batchID),
		zap.Int("succeeded", rep.Collector.Succeeded),
		zap.Int("failed", rep.Collector.Failed),
		zap.Int("cache_hits", rep.Collector.CacheHits))
	return rep, ctx.Err()
}

func (o *Orchestrator) runSequential(ctx context.Context, cancel context.CancelFunc, queue []int, byPos map[int]vocab.Item, col *collect.Collector) {
	for _, pos := range queue {
		if ctx.Err() != nil {
			return
		}
		o.dispatch(ctx, cancel, byPos[pos], col)
	}
}

func (o *Orchestrator) runConcurrent(ctx context.Context, cancel context.CancelFunc, queue []int, byPos map[int]vocab.Item, col *collect.Collector) {
	sem := semaphore.NewWeighted(int64(o.opts.MaxConcurrent))
	var wg sync.WaitGroup
	for _, pos := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		item := byPos[pos]
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			o.dispatch(ctx, cancel, item, col)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) runBatched(ctx context.Context, cancel context.CancelFunc, queue []int, byPos map[int]vocab.Item, col *collect.Collector) {
	for start := 0; start < len(queue); {
		if ctx.Err() != nil {
			return
		}
		size := o.tuner.size()
		end := start + size
		if end > len(queue) {
			end = len(queue)
		}
		chunk := queue[start:end]
		chunkStart := time.Now()

		sem := semaphore.NewWeighted(int64(o.opts.MaxConcurrent))
		var wg sync.WaitGroup
		for _, pos := range chunk {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			item := byPos[pos]
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				o.dispatch(ctx, cancel, item, col)
			}()
		}
		wg.Wait()

		if n := len(chunk); n > 0 {
			o.tuner.observe(time.Since(chunkStart) / time.Duration(n))
			if resized := o.tuner.size(); resized != size {
				o.log.Debug("batch size tuned",
					zap.Int("from", size), zap.Int("to", resized))
			}
		}
		start = end
	}
}

// dispatch runs one item end to end and folds its result into the batch
// bookkeeping.
func (o *Orchestrator) dispatch(ctx context.Context, cancel context.CancelFunc, item vocab.Item, col *collect.Collector) {
	o.markStarted()
	res := o.processItem(ctx, item)
	if err := col.Add(res); err != nil {
		o.log.Error("collector rejected result",
			zap.Int("position", res.Position), zap.Error(err))
		return
	}
	o.markDone(ctx, res)
	if res.Err != nil && errs.Fatal(res.Err) {
		o.log.Error("fatal error, cancelling batch",
			zap.Int("position", res.Position), zap.Error(res.Err))
		cancel()
	}
}

// processItem is the per-item two-stage flow. A combined cache hit
// short-circuits without touching the limiter; a partial hit pays only for
// the missing stage. Errors fail the item, never the batch.
func (o *Orchestrator) processItem(ctx context.Context, item vocab.Item) collect.ProcessingResult {
	start := time.Now()
	res := collect.ProcessingResult{Position: item.Position, Term: item.Term}

	if ctx.Err() != nil {
		res.Err = errs.Timeout("batch cancelled before item started")
		return res
	}

	if o.cache != nil {
		if s2, saved, ok := o.cache.GetCombined(item); ok {
			res.FlashcardTSV = s2.TSV()
			res.FromCache = true
			res.ProcessingTime = time.Since(start)
			if o.metrics != nil {
				o.metrics.TokensSaved(saved)
				now := time.Now()
				for stage := 1; stage <= 2; stage++ {
					o.metrics.Record(metrics.RequestRecord{
						Timestamp: now,
						Stage:     stage,
						FromCache: true,
						Outcome:   metrics.OutcomeSuccess,
					})
				}
			}
			return res
		}
	}

	s1, _, s1Cached, err := o.api.Stage1(ctx, item)
	if err != nil {
		res.Err = err
		res.ProcessingTime = time.Since(start)
		return res
	}
	s2, _, s2Cached, err := o.api.Stage2(ctx, item, s1)
	if err != nil {
		res.Err = err
		res.ProcessingTime = time.Since(start)
		return res
	}

	res.FlashcardTSV = s2.TSV()
	res.FromCache = s1Cached && s2Cached
	res.ProcessingTime = time.Since(start)
	return res
}

func (o *Orchestrator) markStarted() {
	if o.metrics != nil {
		o.metrics.ItemStarted()
	}
	o.mu.Lock()
	o.inFlight++
	o.mu.Unlock()
}

// markDone moves the position from pending to processed, fires the progress
// callback, and checkpoints every interval completions.
func (o *Orchestrator) markDone(ctx context.Context, res collect.ProcessingResult) {
	if o.metrics != nil {
		o.metrics.ItemCompleted(res.OK())
	}

	o.mu.Lock()
	o.inFlight--
	o.completed++
	o.processed[res.Position] = true
	for i, p := range o.pending {
		if p == res.Position {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			break
		}
	}
	o.sinceCkpt++
	needCkpt := o.sinceCkpt >= o.opts.CheckpointInterval
	if needCkpt {
		o.sinceCkpt = 0
	}
	completed, total, inFlight := o.completed, o.total, o.inFlight
	o.mu.Unlock()

	if o.opts.OnProgress != nil {
		o.opts.OnProgress(completed, total, inFlight)
	}
	if needCkpt {
		o.writeCheckpoint(ctx, false)
	}
}

// writeCheckpoint snapshots the batch state. The store is single-writer per
// batch; the snapshot is assembled under the orchestrator mutex and written
// outside it.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, final bool) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	cp := &checkpoint.Checkpoint{
		CheckpointID: uuid.NewString(),
		BatchID:      o.batchID,
		Timestamp:    time.Now().UTC(),
		Processed:    make(map[int]bool, len(o.processed)),
		Pending:      append([]int(nil), o.pending...),
		Stage:        2,
	}
	for p := range o.processed {
		cp.Processed[p] = true
	}
	o.mu.Unlock()

	if o.metrics != nil {
		cp.Metrics = o.metrics.Snapshot()
	}
	if err := o.store.Save(ctx, cp); err != nil {
		o.log.Warn("checkpoint save failed",
			zap.String("batch_id", cp.BatchID), zap.Bool("final", final), zap.Error(err))
	}
}

// prefill loads the checkpoint for batchID and seeds the collector with the
// already-processed positions. Archived Stage-2 outputs restore the full
// flashcard TSV; positions without an archive entry are counted with an
// empty payload so accounting and ordering stay correct.
func (o *Orchestrator) prefill(ctx context.Context, batchID string, byPos map[int]vocab.Item, col *collect.Collector) (int, error) {
	cp, err := o.store.Load(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}

	restored := 0
	for pos := range cp.Processed {
		item, known := byPos[pos]
		if !known {
			continue
		}
		res := collect.ProcessingResult{Position: pos, Term: item.Term, FromCache: true}
		if tsv, ok := o.archivedTSV(ctx, pos); ok {
			res.FlashcardTSV = tsv
		}
		if err := col.Add(res); err != nil {
			return restored, err
		}
		restored++
	}

	o.mu.Lock()
	for p := range cp.Processed {
		o.processed[p] = true
	}
	// The work queue is the input order minus what the checkpoint marks
	// processed, so positions the checkpoint never saw stay queued.
	pending := make([]int, 0, len(o.pending))
	for _, p := range o.pending {
		if !cp.Processed[p] {
			pending = append(pending, p)
		}
	}
	o.pending = pending
	o.completed = restored
	o.mu.Unlock()

	o.log.Info("checkpoint restored",
		zap.String("batch_id", batchID),
		zap.Int("processed", restored),
		zap.Int("pending", len(pending)))
	return restored, nil
}

func (o *Orchestrator) archivedTSV(ctx context.Context, position int) (string, bool) {
	if o.archive == nil {
		return "", false
	}
	e, err := o.archive.Latest(ctx, position, 2)
	if err != nil || e == nil {
		return "", false
	}
	var s2 vocab.Stage2Result
	if err := json.Unmarshal(e.Payload, &s2); err != nil {
		return "", false
	}
	return s2.TSV(), true
}

// batchTuner nudges the chunk size toward a per-item latency target: 10%
// up when items run at least 10% faster than target, 10% down when at least
// 10% slower. Disabled when target is zero.
type batchTuner struct {
	mu      sync.Mutex
	current int
	floor   int
	ceiling int
	target  time.Duration
}

func newBatchTuner(initial, ceiling int, target time.Duration) *batchTuner {
	if ceiling < initial {
		ceiling = initial
	}
	return &batchTuner{current: initial, floor: 1, ceiling: ceiling, target: target}
}

func (t *batchTuner) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *batchTuner) observe(perItem time.Duration) {
	if t.target <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case perItem <= t.target-t.target/10:
		next := t.current + (t.current+9)/10
		if next > t.ceiling {
			next = t.ceiling
		}
		t.current = next
	case perItem >= t.target+t.target/10:
		next := t.current - (t.current+9)/10
		if next < t.floor {
			next = t.floor
		}
		t.current = next
	}
}
