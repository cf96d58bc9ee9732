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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockUsageStore(t *testing.T) (*SQLUsageStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLUsageStore(sqlx.NewDb(db, "postgres")), mock
}

func TestSQLUsageStore_RecordInsertsRow(t *testing.T) {
	s, mock := newMockUsageStore(t)
	mock.ExpectExec("INSERT INTO api_usage").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), UsageRecord{
		RequestID:    "req-1",
		Model:        "anthropic/claude-sonnet-4",
		InputTokens:  1200,
		OutputTokens: 800,
		CostUSD:      0.0156,
		Status:       "success",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLUsageStore_RecordRequiresRequestID(t *testing.T) {
	s, _ := newMockUsageStore(t)
	if err := s.Record(context.Background(), UsageRecord{Model: "m"}); err == nil {
		t.Fatalf("record without request id should fail before touching the db")
	}
}

func TestSQLUsageStore_TokensSince(t *testing.T) {
	s, mock := newMockUsageStore(t)
	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(total_tokens\), 0\) FROM api_usage`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(123456))

	n, err := s.TokensSince(context.Background(), since)
	if err != nil || n != 123456 {
		t.Fatalf("tokens = %d err = %v", n, err)
	}
}

func TestSQLUsageStore_SpendSinceConvertsToMicroUSD(t *testing.T) {
	s, mock := newMockUsageStore(t)
	since := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(estimated_cost_usd\), 0\) FROM api_usage`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(12.5))

	m, err := s.SpendSince(context.Background(), since)
	if err != nil || m != 12_500_000 {
		t.Fatalf("spend = %d micro-USD err = %v, want 12500000", m, err)
	}
}

// fakeUsageStore serves quota tests with canned totals.
type fakeUsageStore struct {
	tokens int64
	spend  MicroUSD
	err    error
}

func (f *fakeUsageStore) Record(context.Context, UsageRecord) error { return f.err }
func (f *fakeUsageStore) TokensSince(context.Context, time.Time) (int64, error) {
	return f.tokens, f.err
}
func (f *fakeUsageStore) SpendSince(context.Context, time.Time) (MicroUSD, error) {
	return f.spend, f.err
}

// fixed quota clock: 10:00 UTC on the 15th, so the day has 14h left and the
// month rolls over on Oct 1.
var quotaNow = time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)

func newTestQuota(store UsageStore, dailyTokens int64, monthlyUSD float64) *Quota {
	q := NewQuota(newCountingLimiter(true), store, dailyTokens, monthlyUSD, nil)
	q.now = func() time.Time { return quotaNow }
	return q
}

func TestQuota_UnderBothQuotasDelegates(t *testing.T) {
	q := newTestQuota(&fakeUsageStore{tokens: 100, spend: 1_000_000}, 10_000, 100)
	if r := q.Acquire("api", 500); !r.Allowed {
		t.Fatalf("under-quota request should reach the inner limiter")
	}
}

func TestQuota_DailyTokensExhaustedDeniesUntilMidnight(t *testing.T) {
	q := newTestQuota(&fakeUsageStore{tokens: 9_800}, 10_000, 0)
	r := q.Acquire("api", 500) // 9800+500 > 10000
	if r.Allowed {
		t.Fatalf("daily quota must deny")
	}
	if r.RetryAfter != 14*time.Hour {
		t.Fatalf("retry hint = %v, want the 14h until UTC midnight", r.RetryAfter)
	}
}

func TestQuota_MonthlyBudgetExhaustedDeniesUntilNextMonth(t *testing.T) {
	q := newTestQuota(&fakeUsageStore{spend: 100_000_000}, 0, 100)
	r := q.Acquire("api", 1)
	if r.Allowed {
		t.Fatalf("monthly budget must deny")
	}
	want := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC).Sub(quotaNow)
	if r.RetryAfter != want {
		t.Fatalf("retry hint = %v, want %v until Oct 1", r.RetryAfter, want)
	}
}

// TestQuota_StoreErrorFailsOpen: a dead usage store must not halt generation.
func TestQuota_StoreErrorFailsOpen(t *testing.T) {
	q := newTestQuota(&fakeUsageStore{err: errors.New("connection refused")}, 10_000, 100)
	if r := q.Acquire("api", 500); !r.Allowed {
		t.Fatalf("store failure should fail open to the inner limiter")
	}
}

func TestQuota_AlertsFireOncePerDay(t *testing.T) {
	q := newTestQuota(&fakeUsageStore{tokens: 8_500}, 10_000, 0)
	q.Acquire("api", 1)
	q.Acquire("api", 1)

	q.alertMu.Lock()
	defer q.alertMu.Unlock()
	day := quotaNow.Format("2006-01-02")
	for _, k := range []string{"daily_tokens:50", "daily_tokens:80"} {
		if q.alerted[k] != day {
			t.Fatalf("threshold %s should have fired for %s, got %q", k, day, q.alerted[k])
		}
	}
	if _, ok := q.alerted["daily_tokens:90"]; ok {
		t.Fatalf("85%% usage must not fire the 90%% alert")
	}
}
