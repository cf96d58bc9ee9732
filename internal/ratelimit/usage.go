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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// UsageRecord is one persisted per-request usage row.
type UsageRecord struct {
	RequestID    string    `db:"request_id"`
	Model        string    `db:"model_name"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	TotalTokens  int64     `db:"total_tokens"`
	CostUSD      float64   `db:"estimated_cost_usd"`
	Status       string    `db:"status"`
	ErrorMessage string    `db:"error_message"`
	RetryCount   int       `db:"retry_count"`
	CreatedAt    time.Time `db:"created_at"`
}

// UsageStore persists usage rows and answers the two quota questions. The
// SQL implementation is the default; the Redis implementation serves
// deployments that share quotas across processes.
type UsageStore interface {
	Record(ctx context.Context, rec UsageRecord) error
	TokensSince(ctx context.Context, since time.Time) (int64, error)
	SpendSince(ctx context.Context, since time.Time) (MicroUSD, error)
}

// usageSchema is the reference DDL for the usage table. Migrations run
// out-of-band; EnsureSchema exists for tests and single-binary deployments.
const usageSchema = `
CREATE TABLE IF NOT EXISTS api_usage (
    request_id         TEXT PRIMARY KEY,
    model_name         TEXT NOT NULL,
    input_tokens       BIGINT NOT NULL,
    output_tokens      BIGINT NOT NULL,
    total_tokens       BIGINT NOT NULL,
    estimated_cost_usd NUMERIC(14,6) NOT NULL,
    status             TEXT NOT NULL,
    error_message      TEXT NOT NULL DEFAULT '',
    retry_count        INT NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_api_usage_created_at ON api_usage (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_api_usage_model ON api_usage (model_name);
`

// SQLUsageStore keeps usage rows in a relational table.
type SQLUsageStore struct {
	db *sqlx.DB
}

// NewSQLUsageStore wraps an open connection pool.
func NewSQLUsageStore(db *sqlx.DB) *SQLUsageStore {
	return &SQLUsageStore{db: db}
}

// EnsureSchema creates the usage table and its indexes if absent.
func (s *SQLUsageStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, usageSchema)
	return err
}

// Record inserts one usage row. The insert is idempotent on request_id so a
// retried recording is a no-op, never a duplicate charge.
func (s *SQLUsageStore) Record(ctx context.Context, rec UsageRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("usage record requires a request id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_usage
			(request_id, model_name, input_tokens, output_tokens, total_tokens,
			 estimated_cost_usd, status, error_message, retry_count, created_at)
		VALUES
			(:request_id, :model_name, :input_tokens, :output_tokens, :total_tokens,
			 :estimated_cost_usd, :status, :error_message, :retry_count, :created_at)
		ON CONFLICT (request_id) DO NOTHING`, rec)
	if err != nil {
		return fmt.Errorf("insert api_usage(%s): %w", rec.RequestID, err)
	}
	return nil
}

// TokensSince sums total tokens recorded at or after since.
func (s *SQLUsageStore) TokensSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM api_usage WHERE created_at >= $1`, since)
	return n, err
}

// SpendSince sums estimated spend recorded at or after since, in micro-USD.
func (s *SQLUsageStore) SpendSince(ctx context.Context, since time.Time) (MicroUSD, error) {
	var usd float64
	err := s.db.GetContext(ctx, &usd,
		`SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM api_usage WHERE created_at >= $1`, since)
	return MicroUSD(usd * 1e6), err
}

// alert thresholds as percent of quota, each fired at most once per day.
var alertThresholds = []int{50, 80, 90}

// Quota enforces daily-token and monthly-USD quotas in front of an inner
// limiter: a request must clear both quotas before it may even contend for
// tokens. A quota denial carries the wait until the quota window rolls over.
type Quota struct {
	inner Limiter
	store UsageStore

	dailyTokens  int64   // 0 disables
	monthlyMicro MicroUSD // 0 disables

	log *zap.Logger
	now func() time.Time

	alertMu sync.Mutex
	alerted map[string]string // "<quota>:<pct>" -> day it last fired
}

// NewQuota wraps inner with quota enforcement. Either quota may be zero to
// disable it.
func NewQuota(inner Limiter, store UsageStore, dailyTokens int64, monthlyBudgetUSD float64, log *zap.Logger) *Quota {
	if log == nil {
		log = zap.NewNop()
	}
	return &Quota{
		inner:        inner,
		store:        store,
		dailyTokens:  dailyTokens,
		monthlyMicro: MicroUSD(monthlyBudgetUSD * 1e6),
		log:          log,
		now:          time.Now,
		alerted:      make(map[string]string),
	}
}

// Acquire checks both quotas, then delegates. Store errors fail open with a
// warning: quota accounting is protective, not load-bearing, and a dead
// database must not halt generation by itself.
func (q *Quota) Acquire(key string, n int64) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := q.now().UTC()

	if q.dailyTokens > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := q.store.TokensSince(ctx, dayStart)
		if err != nil {
			q.log.Warn("quota: token lookup failed, failing open", zap.Error(err))
		} else {
			q.fireAlerts("daily_tokens", used, q.dailyTokens, now)
			if used+n > q.dailyTokens {
				return Result{RetryAfter: dayStart.AddDate(0, 0, 1).Sub(now)}
			}
		}
	}
	if q.monthlyMicro > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := q.store.SpendSince(ctx, monthStart)
		if err != nil {
			q.log.Warn("quota: spend lookup failed, failing open", zap.Error(err))
		} else {
			q.fireAlerts("monthly_usd", spent, q.monthlyMicro, now)
			if spent >= q.monthlyMicro {
				return Result{RetryAfter: monthStart.AddDate(0, 1, 0).Sub(now)}
			}
		}
	}
	return q.inner.Acquire(key, n)
}

// fireAlerts logs when usage crosses 50/80/90% of a quota, once per day per
// threshold.
func (q *Quota) fireAlerts(quota string, used, limit int64, now time.Time) {
	if limit <= 0 {
		return
	}
	pctUsed := used * 100 / limit
	day := now.Format("2006-01-02")
	q.alertMu.Lock()
	defer q.alertMu.Unlock()
	for _, pct := range alertThresholds {
		if pctUsed < int64(pct) {
			break
		}
		k := fmt.Sprintf("%s:%d", quota, pct)
		if q.alerted[k] == day {
			continue
		}
		q.alerted[k] = day
		q.log.Warn("quota threshold crossed",
			zap.String("quota", quota),
			zap.Int("threshold_pct", pct),
			zap.Int64("used", used),
			zap.Int64("limit", limit))
	}
}
