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

package vocab

import "encoding/json"

// Metaphor is the imagery pair used on the card front.
type Metaphor struct {
	Noun   string `json:"noun"`
	Action string `json:"action"`
}

// Anchor is the sensory memory hook.
type Anchor struct {
	Object  string `json:"object"`
	Sensory string `json:"sensory"`
}

// Comparison contrasts the term with its nearest neighbor.
type Comparison struct {
	Vs     string `json:"vs"`
	Nuance string `json:"nuance"`
}

// Homonym is one same-sound entry; Meaning is required, Hanja optional.
type Homonym struct {
	Meaning string `json:"meaning"`
	Hanja   string `json:"hanja,omitempty"`
}

// Stage1Result is the structured semantic analysis the nuance model returns
// for a single item. It is both the Stage-2 prompt payload and part of the
// Stage-2 cache fingerprint, so its canonical serialization must be
// deterministic.
type Stage1Result struct {
	IPA            string       `json:"ipa"`
	POS            PartOfSpeech `json:"pos"`
	PrimaryMeaning string       `json:"primary_meaning"`
	Metaphor       Metaphor     `json:"metaphor"`
	Anchor         Anchor       `json:"anchor"`
	Location       string       `json:"location"`
	Explanation    string       `json:"explanation"`
	Comparison     Comparison   `json:"comparison"`
	Homonyms       []Homonym    `json:"homonyms"`
	KoreanKeywords []string     `json:"korean_keywords"`

	// Partial marks a best-effort object recovered field-by-field from
	// unparseable model output. Partial results are never cached.
	Partial bool `json:"partial,omitempty"`
}

// CanonicalJSON serializes the result with sorted keys so that identical
// analyses hash identically regardless of field order in the model output.
// Round-tripping through a map is what sorts the keys: encoding/json emits
// map keys in sorted order.
func (r *Stage1Result) CanonicalJSON() []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		// Stage1Result contains only strings and slices; Marshal cannot fail.
		panic("vocab: stage1 marshal: " + err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic("vocab: stage1 canonicalize: " + err.Error())
	}
	out, err := json.Marshal(m)
	if err != nil {
		panic("vocab: stage1 canonicalize: " + err.Error())
	}
	return out
}
