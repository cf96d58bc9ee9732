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
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sejong/internal/breaker"
	"sejong/internal/cache"
	"sejong/internal/errs"
	"sejong/internal/metrics"
	"sejong/internal/parse"
	"sejong/internal/ratelimit"
	"sejong/internal/retry"
	"sejong/internal/vocab"
)

// Token estimates used for spend gating before the real usage is known.
const (
	estTokensStage1 = 1500
	estTokensStage2 = 3000
)

// API is the two-call surface the orchestrator consumes. fromCache reports
// whether the result was served without touching the model.
type API interface {
	Stage1(ctx context.Context, item vocab.Item) (res *vocab.Stage1Result, usage Usage, fromCache bool, err error)
	Stage2(ctx context.Context, item vocab.Item, s1 *vocab.Stage1Result) (res *vocab.Stage2Result, usage Usage, fromCache bool, err error)
}

// PipelineOptions wires the resilience stack around the wire client.
type PipelineOptions struct {
	Client   *Client
	Cache    *cache.Store
	Limiter  *ratelimit.Composite
	Breakers *breaker.Registry
	Retry    retry.Policy
	Metrics  *metrics.Collector
	Pricing  ratelimit.Pricing

	ModelStage1 string
	ModelStage2 string

	// TempStage1/TempStage2 are the sampling temperatures per stage; zero
	// values use the defaults (0.3 analysis, 0.7 generation).
	TempStage1 float64
	TempStage2 float64

	// Archive, when set, durably records every successful parse.
	Archive parse.Archive
	TaskID  string

	// Usage, when set, persists one row per completed model request.
	Usage ratelimit.UsageStore

	// AcquireTimeout bounds how long an admission may wait on the limiter
	// before failing the item. 0 uses 30s.
	AcquireTimeout time.Duration

	// Adaptive, when set, receives success and 429 feedback to steer the
	// request rate.
	Adaptive *ratelimit.Adaptive

	Logger *zap.Logger
}

// Pipeline is the production API implementation. Every stage call runs the
// same sequence: cache, limiter admission, breaker, retry, HTTP, parse,
// cache write-back, metrics.
type Pipeline struct {
	client   *Client
	cache    *cache.Store
	limiter  *ratelimit.Composite
	breakers *breaker.Registry
	retry    retry.Policy
	metrics  *metrics.Collector
	pricing  ratelimit.Pricing

	modelStage1 string
	modelStage2 string
	tempStage1  float64
	tempStage2  float64

	archive parse.Archive
	taskID  string
	usage   ratelimit.UsageStore

	acquireTimeout time.Duration
	adaptive       *ratelimit.Adaptive
	log            *zap.Logger

	stats clientStats
}

// NewPipeline validates the wiring and builds the pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Client == nil || opts.Cache == nil || opts.Limiter == nil || opts.Breakers == nil {
		return nil, errs.Configuration("pipeline requires client, cache, limiter and breakers")
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.TempStage1 <= 0 {
		opts.TempStage1 = 0.3
	}
	if opts.TempStage2 <= 0 {
		opts.TempStage2 = 0.7
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		client:         opts.Client,
		cache:          opts.Cache,
		limiter:        opts.Limiter,
		breakers:       opts.Breakers,
		retry:          opts.Retry,
		metrics:        opts.Metrics,
		pricing:        opts.Pricing,
		modelStage1:    opts.ModelStage1,
		modelStage2:    opts.ModelStage2,
		tempStage1:     opts.TempStage1,
		tempStage2:     opts.TempStage2,
		archive:        opts.Archive,
		taskID:         opts.TaskID,
		usage:          opts.Usage,
		acquireTimeout: opts.AcquireTimeout,
		adaptive:       opts.Adaptive,
		log:            opts.Logger,
	}, nil
}

// Stage1 returns the semantic analysis for item, from cache when resident.
func (p *Pipeline) Stage1(ctx context.Context, item vocab.Item) (*vocab.Stage1Result, Usage, bool, error) {
	start := time.Now()
	var usage Usage

	res, _, fromCache, err := p.cache.BuildStage1(item, func() (*vocab.Stage1Result, int64, error) {
		prompt, merr := json.Marshal(item)
		if merr != nil {
			return nil, 0, errs.Validation("stage-1 prompt marshal: %v", merr)
		}
		text, u, cerr := p.invoke(ctx, 1, string(prompt))
		if cerr != nil {
			return nil, 0, cerr
		}
		usage = u
		r, perr := parse.Stage1(text)
		if perr != nil {
			return nil, 0, perr
		}
		p.archiveParse(ctx, item.Position, 1, text, r, u.TotalTokens, time.Since(start))
		return r, u.TotalTokens, nil
	})

	p.finish(1, fromCache, usage, time.Since(start), err)
	if err != nil {
		return nil, Usage{}, false, err
	}
	return res, usage, fromCache, nil
}

// Stage2 returns the card set for (item, analysis), from cache when resident.
func (p *Pipeline) Stage2(ctx context.Context, item vocab.Item, s1 *vocab.Stage1Result) (*vocab.Stage2Result, Usage, bool, error) {
	start := time.Now()
	var usage Usage

	res, _, fromCache, err := p.cache.BuildStage2(item, s1, func() (*vocab.Stage2Result, int64, error) {
		prompt, merr := json.Marshal(struct {
			Position int             `json:"position"`
			Term     string          `json:"term"`
			Stage1   json.RawMessage `json:"stage1_result"`
		}{item.Position, item.Term, s1.CanonicalJSON()})
		if merr != nil {
			return nil, 0, errs.Validation("stage-2 prompt marshal: %v", merr)
		}
		text, u, cerr := p.invoke(ctx, 2, string(prompt))
		if cerr != nil {
			return nil, 0, cerr
		}
		usage = u
		r, perr := parse.Stage2(text)
		if perr != nil {
			return nil, 0, perr
		}
		p.archiveParse(ctx, item.Position, 2, text, r, u.TotalTokens, time.Since(start))
		return r, u.TotalTokens, nil
	})

	p.finish(2, fromCache, usage, time.Since(start), err)
	if err != nil {
		return nil, Usage{}, false, err
	}
	return res, usage, fromCache, nil
}

// completion is the typed value threaded through the breaker's any-shaped
// call.
type completion struct {
	text  string
	usage Usage
}

// invoke is the shared admission-to-response path: limiter, breaker, retry,
// HTTP. The breaker wraps the whole retry loop so that an exhausted retry
// counts as a single failure against the trip threshold.
func (p *Pipeline) invoke(ctx context.Context, stage int, content string) (string, Usage, error) {
	if err := p.admit(ctx, stage); err != nil {
		return "", Usage{}, err
	}

	model, temp, est := p.modelStage1, p.tempStage1, estTokensStage1
	service := "stage1"
	if stage == 2 {
		model, temp, est = p.modelStage2, p.tempStage2, estTokensStage2
		service = "stage2"
	}

	v, err := p.breakers.Get(service).Call(func() (any, error) {
		return retry.Do(ctx, p.retry, func(ctx context.Context) (*completion, error) {
			text, usage, cerr := p.client.Complete(ctx, model, content, temp, est*2)
			if cerr != nil {
				p.observeCallError(cerr)
				return nil, cerr
			}
			if p.adaptive != nil {
				p.adaptive.OnSuccess()
			}
			return &completion{text: text, usage: usage}, nil
		})
	})
	if err != nil {
		return "", Usage{}, err
	}
	c := v.(*completion)
	return c.text, c.usage, nil
}

// admit blocks until the composite limiter grants the request or the
// acquisition timeout elapses. A timed-out admission fails with a rate-limit
// error carrying the limiter's latest advice.
func (p *Pipeline) admit(ctx context.Context, stage int) error {
	est := int64(estTokensStage1)
	if stage == 2 {
		est = estTokensStage2
	}
	deadline := time.Now().Add(p.acquireTimeout)
	for {
		r := p.limiter.AcquireForStage(stage, est)
		if r.Allowed {
			return nil
		}
		if p.metrics != nil {
			p.metrics.RateLimitHit()
		}
		p.stats.rateLimited()

		wait := r.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if remaining := time.Until(deadline); wait > remaining {
			return errs.RateLimit("limiter admission timed out", r.RetryAfter)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errs.Timeout("limiter admission cancelled")
		case <-t.C:
		}
	}
}

// observeCallError feeds upstream 429s back into the adaptive limiter and
// the metrics stream.
func (p *Pipeline) observeCallError(err error) {
	if errs.KindOf(err) != errs.KindRateLimit {
		return
	}
	if p.metrics != nil {
		p.metrics.RateLimitHit()
	}
	p.stats.rateLimited()
	if p.adaptive != nil {
		hint, _ := errs.RetryAfterHint(err)
		p.adaptive.OnRateLimitHit("api", hint)
	}
}

// finish records the per-request measurement on both stat sinks and, when a
// usage store is wired, persists the per-request usage row. Cache hits never
// touched the model and write no row.
func (p *Pipeline) finish(stage int, fromCache bool, usage Usage, latency time.Duration, err error) {
	outcome := metrics.OutcomeSuccess
	kind := ""
	if err != nil {
		outcome = metrics.OutcomeFailure
		kind = errs.KindOf(err).String()
	}
	if p.metrics != nil {
		p.metrics.Record(metrics.RequestRecord{
			Timestamp:    time.Now(),
			Stage:        stage,
			FromCache:    fromCache,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			CostMicroUSD: p.pricing.Cost(usage.PromptTokens, usage.CompletionTokens),
			Latency:      latency,
			Outcome:      outcome,
			ErrorKind:    kind,
		})
	}
	p.stats.observe(fromCache, err == nil, latency)

	if p.usage != nil && !fromCache {
		model := p.modelStage1
		if stage == 2 {
			model = p.modelStage2
		}
		rec := ratelimit.UsageRecord{
			RequestID:    uuid.NewString(),
			Model:        model,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
			CostUSD:      ratelimit.USD(p.pricing.Cost(usage.PromptTokens, usage.CompletionTokens)),
			Status:       string(outcome),
			ErrorMessage: kind,
			CreatedAt:    time.Now().UTC(),
		}
		var re *errs.RetryExhausted
		if errors.As(err, &re) {
			rec.RetryCount = re.Attempts
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := p.usage.Record(ctx, rec); rerr != nil {
			p.log.Warn("usage record failed", zap.Error(rerr))
		}
	}
}

// archiveParse persists one successful parse; archive failures degrade to a
// log line, the call itself has already succeeded.
func (p *Pipeline) archiveParse(ctx context.Context, position, stage int, raw string, payload any, tokens int64, latency time.Duration) {
	if p.archive == nil {
		return
	}
	enc, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e := parse.ArchiveEntry{
		TaskID:       p.taskID,
		VocabularyID: position,
		Stage:        stage,
		RawText:      raw,
		Payload:      enc,
		Tokens:       tokens,
		LatencyMs:    latency.Milliseconds(),
	}
	if err := p.archive.Save(ctx, e); err != nil {
		p.log.Warn("archive save failed",
			zap.Int("position", position), zap.Int("stage", stage), zap.Error(err))
	}
}

// Stats returns the per-client counters and health view.
func (p *Pipeline) Stats() PipelineStats { return p.stats.snapshot() }
