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

package config

import (
	"testing"
	"time"

	"sejong/internal/errs"
)

func TestFromEnv_RequiresAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	_, err := FromEnv()
	if errs.KindOf(err) != errs.KindConfiguration {
		t.Fatalf("missing API_KEY should be a configuration error, got %v", err)
	}
}

func TestFromEnv_DefaultsApply(t *testing.T) {
	t.Setenv("API_KEY", "sk-test")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.RequestsPerMinute != 600 || c.RequestsPerHour != 36000 || c.BurstSize != 20 {
		t.Fatalf("rate defaults = %d/%d/%d", c.RequestsPerMinute, c.RequestsPerHour, c.BurstSize)
	}
	if c.MaxConcurrent != 50 || c.BatchSize != 10 || c.CheckpointInterval != 100 {
		t.Fatalf("concurrency defaults = %d/%d/%d", c.MaxConcurrent, c.BatchSize, c.CheckpointInterval)
	}
	if c.CacheTTL != 24*time.Hour || c.CacheMaxEntries != 1000 {
		t.Fatalf("cache defaults = %v/%d", c.CacheTTL, c.CacheMaxEntries)
	}
	if c.CircuitFailureThreshold != 5 || c.CircuitRecoveryTimeout != 60*time.Second {
		t.Fatalf("breaker defaults = %d/%v", c.CircuitFailureThreshold, c.CircuitRecoveryTimeout)
	}
	if c.RetryMaxAttempts != 3 || c.RequestTimeout != 30*time.Second {
		t.Fatalf("retry/timeout defaults = %d/%v", c.RetryMaxAttempts, c.RequestTimeout)
	}
	if c.MonthlyBudgetUSD != 0 || c.DailyTokenQuota != 0 {
		t.Fatalf("quotas must default to disabled")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("API_KEY", "sk-test")
	t.Setenv("API_BASE_URL", "https://example.test/v1")
	t.Setenv("MODEL_STAGE2", "anthropic/claude-opus-4")
	t.Setenv("REQUESTS_PER_MINUTE", "120")
	t.Setenv("CACHE_TTL_SECONDS", "3600")
	t.Setenv("MONTHLY_BUDGET_USD", "49.50")
	t.Setenv("DAILY_TOKEN_QUOTA", "2000000")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.BaseURL != "https://example.test/v1" {
		t.Fatalf("base url = %s", c.BaseURL)
	}
	if c.ModelStage2 != "anthropic/claude-opus-4" || c.ModelStage1 != "anthropic/claude-sonnet-4" {
		t.Fatalf("models = %s / %s", c.ModelStage1, c.ModelStage2)
	}
	if c.RequestsPerMinute != 120 {
		t.Fatalf("rpm = %d, want 120", c.RequestsPerMinute)
	}
	if c.CacheTTL != time.Hour {
		t.Fatalf("cache ttl = %v, want 1h", c.CacheTTL)
	}
	if c.MonthlyBudgetUSD != 49.50 || c.DailyTokenQuota != 2_000_000 {
		t.Fatalf("quotas = %f / %d", c.MonthlyBudgetUSD, c.DailyTokenQuota)
	}
}

func TestFromEnv_InvalidValuesRejected(t *testing.T) {
	cases := []struct{ name, value string }{
		{"REQUESTS_PER_MINUTE", "abc"},
		{"CACHE_TTL_SECONDS", "-5"},
		{"MONTHLY_BUDGET_USD", "lots"},
		{"DAILY_TOKEN_QUOTA", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("API_KEY", "sk-test")
			t.Setenv(tc.name, tc.value)
			_, err := FromEnv()
			if errs.KindOf(err) != errs.KindConfiguration {
				t.Fatalf("%s=%q should be rejected, got %v", tc.name, tc.value, err)
			}
		})
	}
}

func TestValidate_RejectsImpossibleConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative rpm", func(c *Config) { c.RequestsPerMinute = -1 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero retries", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"zero breaker threshold", func(c *Config) { c.CircuitFailureThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Defaults()
			tc.mutate(&c)
			if errs.KindOf(c.Validate()) != errs.KindConfiguration {
				t.Fatalf("%s should fail validation", tc.name)
			}
		})
	}
}
