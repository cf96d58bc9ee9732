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

// All monetary math in this package is carried in micro-USD (1e-6 USD) as
// int64. Aggregating float dollars drifts; integers do not.

// MicroUSD is one millionth of a US dollar.
type MicroUSD = int64

// Pricing is the linear token pricing of one model, in micro-USD per million
// tokens. With per-million rates expressed in micro-USD, the arithmetic stays
// integral: rate 3_000_000 means $3.00 per million tokens.
type Pricing struct {
	Model                 string
	InputPerMillionMicro  int64
	OutputPerMillionMicro int64
}

// DefaultPricing is the reference-model rate card used when no explicit
// pricing is configured: $3 per million input tokens, $15 per million output.
var DefaultPricing = Pricing{
	Model:                 "anthropic/claude-sonnet-4",
	InputPerMillionMicro:  3_000_000,
	OutputPerMillionMicro: 15_000_000,
}

// Cost prices a single request.
func (p Pricing) Cost(inputTokens, outputTokens int64) MicroUSD {
	return inputTokens*p.InputPerMillionMicro/1_000_000 +
		outputTokens*p.OutputPerMillionMicro/1_000_000
}

// USD converts a micro-USD amount to float dollars for display only. Never
// aggregate the float form.
func USD(m MicroUSD) float64 { return float64(m) / 1e6 }
