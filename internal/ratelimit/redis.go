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
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisUsageStore is the distributed flavor of UsageStore: daily token and
// monthly spend counters shared by every process pointing at the same Redis.
// Per-request idempotency uses a SETNX marker inside a Lua script so a
// retried Record never double-charges a quota, mirroring the idempotent
// commit pattern of the persistence adapters.
type RedisUsageStore struct {
	client    redis.Cmdable
	keyPrefix string
	markerTTL time.Duration
}

// NewRedisUsageStore wraps a Redis client. markerTTL bounds the lifetime of
// per-request idempotency markers; choose a value comfortably larger than
// the longest retry window.
func NewRedisUsageStore(client redis.Cmdable, keyPrefix string, markerTTL time.Duration) *RedisUsageStore {
	if keyPrefix == "" {
		keyPrefix = "sejong"
	}
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisUsageStore{client: client, keyPrefix: keyPrefix, markerTTL: markerTTL}
}

// recordScript applies one usage record idempotently: if the request marker
// is fresh, both window counters are bumped and given expiries past their
// window end. Returns 1 if applied, 0 if already applied.
const recordScript = `
local marker = KEYS[1]
local dayKey = KEYS[2]
local monthKey = KEYS[3]
local tokens = tonumber(ARGV[1])
local micro = tonumber(ARGV[2])
local markerTTL = tonumber(ARGV[3])
local dayTTL = tonumber(ARGV[4])
local monthTTL = tonumber(ARGV[5])
if redis.call('SETNX', marker, 1) == 1 then
  redis.call('EXPIRE', marker, markerTTL)
  redis.call('INCRBY', dayKey, tokens)
  redis.call('EXPIRE', dayKey, dayTTL)
  redis.call('INCRBY', monthKey, micro)
  redis.call('EXPIRE', monthKey, monthTTL)
  return 1
end
return 0
`

func (r *RedisUsageStore) dayKey(t time.Time) string {
	return fmt.Sprintf("%s:usage:tokens:%s", r.keyPrefix, t.UTC().Format("2006-01-02"))
}

func (r *RedisUsageStore) monthKey(t time.Time) string {
	return fmt.Sprintf("%s:usage:micro:%s", r.keyPrefix, t.UTC().Format("2006-01"))
}

func (r *RedisUsageStore) markerKey(requestID string) string {
	return fmt.Sprintf("%s:usage:req:%s", r.keyPrefix, requestID)
}

// Record bumps the shared counters for rec's day and month.
func (r *RedisUsageStore) Record(ctx context.Context, rec UsageRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("usage record requires a request id")
	}
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	keys := []string{r.markerKey(rec.RequestID), r.dayKey(at), r.monthKey(at)}
	args := []interface{}{
		rec.InputTokens + rec.OutputTokens,
		int64(rec.CostUSD * 1e6),
		int(r.markerTTL.Seconds()),
		int((48 * time.Hour).Seconds()),
		int((62 * 24 * time.Hour).Seconds()),
	}
	if err := r.client.Eval(ctx, recordScript, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis usage record %s: %w", rec.RequestID, err)
	}
	return nil
}

// TokensSince reads the daily token counter for since's day. The Redis
// store keeps per-window counters rather than rows, so since is interpreted
// as the window start.
func (r *RedisUsageStore) TokensSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := r.client.Get(ctx, r.dayKey(since)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// SpendSince reads the monthly spend counter for since's month, in
// micro-USD.
func (r *RedisUsageStore) SpendSince(ctx context.Context, since time.Time) (MicroUSD, error) {
	n, err := r.client.Get(ctx, r.monthKey(since)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
