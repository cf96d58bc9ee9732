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

// Package vocab defines the data model of the flashcard generation engine:
// the vocabulary item that enters the pipeline, the Stage-1 semantic analysis
// produced by the nuance model, and the Stage-2 flashcard rows produced by
// the card model, together with their canonical serializations.
package vocab

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"sejong/internal/errs"
)

// PartOfSpeech is the normalized POS tag attached to an item. Ingress may
// hand us anything; unknown tags normalize to POSUnknown.
type PartOfSpeech string

const (
	POSNoun         PartOfSpeech = "noun"
	POSVerb         PartOfSpeech = "verb"
	POSAdjective    PartOfSpeech = "adjective"
	POSAdverb       PartOfSpeech = "adverb"
	POSParticle     PartOfSpeech = "particle"
	POSDeterminer   PartOfSpeech = "determiner"
	POSInterjection PartOfSpeech = "interjection"
	POSPronoun      PartOfSpeech = "pronoun"
	POSNumeral      PartOfSpeech = "numeral"
	POSSuffix       PartOfSpeech = "suffix"
	POSUnknown      PartOfSpeech = "unknown"
)

var validPOS = map[PartOfSpeech]bool{
	POSNoun: true, POSVerb: true, POSAdjective: true, POSAdverb: true,
	POSParticle: true, POSDeterminer: true, POSInterjection: true,
	POSPronoun: true, POSNumeral: true, POSSuffix: true, POSUnknown: true,
}

// NormalizePOS lowercases and validates a POS tag, mapping anything outside
// the fixed set to POSUnknown.
func NormalizePOS(s string) PartOfSpeech {
	p := PartOfSpeech(strings.ToLower(strings.TrimSpace(s)))
	if validPOS[p] {
		return p
	}
	return POSUnknown
}

// ValidPOS reports whether s is one of the fixed POS tags (after lowering).
func ValidPOS(s string) bool {
	return validPOS[PartOfSpeech(strings.ToLower(strings.TrimSpace(s)))]
}

// Item is the unit of work: one Korean lexeme with its position in the batch.
// Items are created by ingress and immutable afterwards.
type Item struct {
	Position int          `json:"position"`
	Term     string       `json:"term"`
	Type     PartOfSpeech `json:"type"`
}

// Validate enforces the ingress contract: positive position, non-empty term.
func (it Item) Validate() error {
	if it.Position <= 0 {
		return errs.Validation("item position must be positive, got %d", it.Position)
	}
	if strings.TrimSpace(it.Term) == "" {
		return errs.Validation("item at position %d has empty term", it.Position)
	}
	return nil
}

// Stage1Key is the cache fingerprint for the Stage-1 analysis of an item:
// SHA-256 over "term:type".
func (it Item) Stage1Key() string {
	sum := sha256.Sum256([]byte(it.Term + ":" + string(it.Type)))
	return hex.EncodeToString(sum[:])
}

// Stage2Key is the cache fingerprint for the Stage-2 generation: SHA-256 over
// the term plus the canonical JSON of the Stage-1 result, so a regenerated
// analysis yields a distinct Stage-2 entry.
func (it Item) Stage2Key(s1 *Stage1Result) string {
	sum := sha256.Sum256([]byte(it.Term + ":" + string(s1.CanonicalJSON())))
	return hex.EncodeToString(sum[:])
}
