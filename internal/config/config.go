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

// Package config loads the engine configuration from the environment. Every
// knob has a documented default; only API_KEY is required. The cmd wiring
// may further override individual fields from flags.
package config

import (
	"os"
	"strconv"
	"time"

	"sejong/internal/errs"
)

// Config is the full engine configuration, resolved once at startup and
// passed by value to the component constructors.
type Config struct {
	APIKey  string
	BaseURL string

	ModelStage1 string
	ModelStage2 string

	RequestsPerMinute int
	RequestsPerHour   int
	BurstSize         int

	MonthlyBudgetUSD float64 // 0 disables the monthly quota
	DailyTokenQuota  int64   // 0 disables the daily quota

	MaxConcurrent      int
	BatchSize          int
	CheckpointInterval int

	CacheDir        string
	CacheTTL        time.Duration
	CacheMaxEntries int

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	RequestTimeout time.Duration
}

// Defaults returns the configuration with every default from the interface
// contract filled in and no credentials.
func Defaults() Config {
	return Config{
		BaseURL:                 "https://openrouter.ai/api/v1",
		ModelStage1:             "anthropic/claude-sonnet-4",
		ModelStage2:             "anthropic/claude-sonnet-4",
		RequestsPerMinute:       600,
		RequestsPerHour:         36000,
		BurstSize:               20,
		MaxConcurrent:           50,
		BatchSize:               10,
		CheckpointInterval:      100,
		CacheDir:                "./.cache",
		CacheTTL:                86400 * time.Second,
		CacheMaxEntries:         1000,
		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout:  60 * time.Second,
		RetryMaxAttempts:        3,
		RetryInitialDelay:       time.Second,
		RetryMaxDelay:           60 * time.Second,
		RequestTimeout:          30 * time.Second,
	}
}

// FromEnv resolves the configuration from the process environment on top of
// Defaults. A missing API_KEY is a configuration error: the engine cannot
// start without credentials.
func FromEnv() (Config, error) {
	c := Defaults()

	c.APIKey = os.Getenv("API_KEY")
	if c.APIKey == "" {
		return c, errs.Configuration("API_KEY is required")
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("MODEL_STAGE1"); v != "" {
		c.ModelStage1 = v
	}
	if v := os.Getenv("MODEL_STAGE2"); v != "" {
		c.ModelStage2 = v
	}

	var err error
	if c.RequestsPerMinute, err = envInt("REQUESTS_PER_MINUTE", c.RequestsPerMinute); err != nil {
		return c, err
	}
	if c.RequestsPerHour, err = envInt("REQUESTS_PER_HOUR", c.RequestsPerHour); err != nil {
		return c, err
	}
	if c.BurstSize, err = envInt("BURST_SIZE", c.BurstSize); err != nil {
		return c, err
	}
	if c.MaxConcurrent, err = envInt("MAX_CONCURRENT", c.MaxConcurrent); err != nil {
		return c, err
	}
	if c.BatchSize, err = envInt("BATCH_SIZE", c.BatchSize); err != nil {
		return c, err
	}
	if c.CheckpointInterval, err = envInt("CHECKPOINT_INTERVAL", c.CheckpointInterval); err != nil {
		return c, err
	}
	if c.CacheMaxEntries, err = envInt("CACHE_MAX_ENTRIES", c.CacheMaxEntries); err != nil {
		return c, err
	}
	if c.CircuitFailureThreshold, err = envInt("CIRCUIT_FAILURE_THRESHOLD", c.CircuitFailureThreshold); err != nil {
		return c, err
	}
	if c.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts); err != nil {
		return c, err
	}

	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if c.CacheTTL, err = envSeconds("CACHE_TTL_SECONDS", c.CacheTTL); err != nil {
		return c, err
	}
	if c.CircuitRecoveryTimeout, err = envSeconds("CIRCUIT_RECOVERY_TIMEOUT_SECONDS", c.CircuitRecoveryTimeout); err != nil {
		return c, err
	}
	if c.RetryInitialDelay, err = envSeconds("RETRY_INITIAL_DELAY_SECONDS", c.RetryInitialDelay); err != nil {
		return c, err
	}
	if c.RetryMaxDelay, err = envSeconds("RETRY_MAX_DELAY_SECONDS", c.RetryMaxDelay); err != nil {
		return c, err
	}

	if v := os.Getenv("MONTHLY_BUDGET_USD"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f < 0 {
			return c, errs.Configuration("MONTHLY_BUDGET_USD: invalid value %q", v)
		}
		c.MonthlyBudgetUSD = f
	}
	if v := os.Getenv("DAILY_TOKEN_QUOTA"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || n < 0 {
			return c, errs.Configuration("DAILY_TOKEN_QUOTA: invalid value %q", v)
		}
		c.DailyTokenQuota = n
	}

	return c, c.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.RequestsPerMinute < 0 || c.RequestsPerHour < 0 {
		return errs.Configuration("request rates must be non-negative")
	}
	if c.MaxConcurrent <= 0 {
		return errs.Configuration("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}
	if c.BatchSize <= 0 {
		return errs.Configuration("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.RetryMaxAttempts < 1 {
		return errs.Configuration("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.CircuitFailureThreshold < 1 {
		return errs.Configuration("CIRCUIT_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitFailureThreshold)
	}
	return nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errs.Configuration("%s: invalid integer %q", name, v)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def, errs.Configuration("%s: invalid seconds value %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}
