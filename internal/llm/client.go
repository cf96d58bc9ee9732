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

// Package llm talks to the chat-completions endpoint and composes the
// resilience stack around it. The Client is the bare wire protocol; the
// Pipeline layers cache, rate limiting, circuit breaking, retry, and parsing
// into the two stage calls the orchestrator consumes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"sejong/internal/errs"
)

// Usage is the token accounting returned with every completed request.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// ClientOptions configures the wire client.
type ClientOptions struct {
	BaseURL string
	APIKey  string

	// Referer and Title identify the caller to the gateway; both are sent on
	// every request.
	Referer string
	Title   string

	// Timeout is the overall per-request deadline. 0 uses 30s.
	Timeout time.Duration
}

// Client is the chat-completions wire client. It owns a pooled transport;
// construct one per process and share it.
type Client struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	http    *http.Client
}

// NewClient builds the client with a bounded keep-alive pool.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Referer == "" {
		opts.Referer = "https://github.com/sejong"
	}
	if opts.Title == "" {
		opts.Title = "sejong"
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		referer: opts.Referer,
		title:   opts.Title,
		http:    &http.Client{Transport: transport, Timeout: opts.Timeout},
	}
}

// Complete issues one chat completion and returns the first choice's content
// with the reported usage. Errors are classified: 429 carries the advised
// Retry-After, 401/403 is an authentication error, other statuses are API
// errors, transport failures are network errors.
func (c *Client) Complete(ctx context.Context, model, content string, temperature float64, maxTokens int) (string, Usage, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []message{{Role: "user", Content: content}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", Usage{}, errs.Validation("request marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, errs.Validation("request build: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", Usage{}, errs.Network(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", Usage{}, errs.Network(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", Usage{}, errs.RateLimit("upstream rate limit", retryAfterOf(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", Usage{}, errs.Authentication(fmt.Sprintf("credential rejected (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return "", Usage{}, errs.API(resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", Usage{}, errs.Parsing("response body is not valid completion JSON", nil)
	}
	if len(cr.Choices) == 0 {
		return "", Usage{}, errs.API(resp.StatusCode, "response contains no choices")
	}
	return cr.Choices[0].Message.Content, cr.Usage, nil
}

// retryAfterOf parses the integer-seconds Retry-After header; absent or
// malformed yields zero, which the retry layer treats as "use backoff".
func retryAfterOf(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
