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

// Package parse validates and extracts structured results from raw model
// text: Stage-1 JSON (with one targeted repair pass and a best-effort
// partial extraction), Stage-2 TSV (tolerant: individual bad rows are
// dropped, only an entirely empty parse fails), and the durable archive of
// successful parses.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"sejong/internal/errs"
	"sejong/internal/vocab"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```(?:json|tsv)?\\s*\\n(.*?)```")

	// targeted JSON repairs: trailing commas and missing commas between
	// adjacent values/objects
	trailingComma   = regexp.MustCompile(`,(\s*[}\]])`)
	missingCommaStr = regexp.MustCompile(`"(\s*\n\s*)"`)
	missingCommaObj = regexp.MustCompile(`}(\s*\n\s*)"`)
	adjacentObjects = regexp.MustCompile(`}(\s*\n\s*){`)
)

// extractJSON pulls the JSON body out of text: a fenced code block when
// present, otherwise the outermost brace pair.
func extractJSON(text string) (string, bool) {
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// repairJSON applies the targeted regex repairs. It is deliberately narrow:
// anything beyond trailing or missing commas is left for the partial path.
func repairJSON(raw string) string {
	raw = trailingComma.ReplaceAllString(raw, "$1")
	raw = missingCommaStr.ReplaceAllString(raw, `",$1"`)
	raw = missingCommaObj.ReplaceAllString(raw, `},$1"`)
	raw = adjacentObjects.ReplaceAllString(raw, `},$1{`)
	return raw
}

// validateStage1 checks the contract the card generator depends on and
// returns the failing field names.
func validateStage1(raw []byte, r *vocab.Stage1Result) []string {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return []string{"json"}
	}
	var failing []string
	for _, f := range []string{"ipa", "pos", "primary_meaning", "metaphor", "anchor", "location", "explanation", "comparison", "korean_keywords"} {
		if _, ok := present[f]; !ok {
			failing = append(failing, f)
		}
	}
	if _, ok := present["pos"]; ok && !vocab.ValidPOS(string(r.POS)) {
		failing = append(failing, "pos")
	}
	if _, ok := present["korean_keywords"]; ok && len(r.KoreanKeywords) == 0 {
		failing = append(failing, "korean_keywords")
	}
	if _, ok := present["comparison"]; ok && (r.Comparison.Vs == "" || r.Comparison.Nuance == "") {
		failing = append(failing, "comparison")
	}
	for _, h := range r.Homonyms {
		if h.Meaning == "" {
			failing = append(failing, "homonyms")
			break
		}
	}
	return failing
}

func decodeStage1(raw string) (*vocab.Stage1Result, []string, bool) {
	var r vocab.Stage1Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, nil, false
	}
	failing := validateStage1([]byte(raw), &r)
	if len(failing) > 0 {
		return &r, failing, true
	}
	r.POS = vocab.NormalizePOS(string(r.POS))
	return &r, nil, true
}

// Stage1 parses a nuance-model response. Order of attempts: direct decode,
// one repair pass, per-field partial extraction. A decodable object that
// still fails validation after repair is a parsing error naming the fields;
// a wholly undecodable response falls through to the partial extractor.
func Stage1(text string) (*vocab.Stage1Result, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return partialStage1(text)
	}
	r, failing, decoded := decodeStage1(raw)
	if decoded && failing == nil {
		return r, nil
	}

	repaired := repairJSON(raw)
	r, failing, decoded = decodeStage1(repaired)
	if decoded && failing == nil {
		return r, nil
	}
	if decoded {
		return nil, errs.Parsing("stage-1 response failed validation", failing)
	}
	return partialStage1(text)
}

// partial field extractors; each grabs one top-level string value.
var partialFields = map[string]*regexp.Regexp{
	"ipa":             regexp.MustCompile(`"ipa"\s*:\s*"([^"]*)"`),
	"pos":             regexp.MustCompile(`"pos"\s*:\s*"([^"]*)"`),
	"primary_meaning": regexp.MustCompile(`"primary_meaning"\s*:\s*"([^"]*)"`),
	"location":        regexp.MustCompile(`"location"\s*:\s*"([^"]*)"`),
	"explanation":     regexp.MustCompile(`"explanation"\s*:\s*"([^"]*)"`),
}

var partialKeywords = regexp.MustCompile(`"korean_keywords"\s*:\s*\[([^\]]*)\]`)
var quoted = regexp.MustCompile(`"([^"]*)"`)

// partialStage1 is the last resort: scrape whatever fields survive in the
// text and flag the object as partial. It fails only when nothing at all is
// recoverable.
func partialStage1(text string) (*vocab.Stage1Result, error) {
	r := &vocab.Stage1Result{Partial: true}
	found := 0
	if m := partialFields["ipa"].FindStringSubmatch(text); m != nil {
		r.IPA = m[1]
		found++
	}
	if m := partialFields["pos"].FindStringSubmatch(text); m != nil {
		r.POS = vocab.NormalizePOS(m[1])
		found++
	}
	if m := partialFields["primary_meaning"].FindStringSubmatch(text); m != nil {
		r.PrimaryMeaning = m[1]
		found++
	}
	if m := partialFields["location"].FindStringSubmatch(text); m != nil {
		r.Location = m[1]
		found++
	}
	if m := partialFields["explanation"].FindStringSubmatch(text); m != nil {
		r.Explanation = m[1]
		found++
	}
	if m := partialKeywords.FindStringSubmatch(text); m != nil {
		for _, kw := range quoted.FindAllStringSubmatch(m[1], -1) {
			if kw[1] != "" {
				r.KoreanKeywords = append(r.KoreanKeywords, kw[1])
			}
		}
		if len(r.KoreanKeywords) > 0 {
			found++
		}
	}
	if found == 0 {
		return nil, errs.Parsing("stage-1 response contains no recoverable fields", nil)
	}
	return r, nil
}
