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

import (
	"strings"
	"testing"
)

func TestNormalizePOS_MapsUnknownTagsToUnknown(t *testing.T) {
	cases := map[string]PartOfSpeech{
		"noun":      POSNoun,
		"  Verb  ":  POSVerb,
		"ADJECTIVE": POSAdjective,
		"gibberish": POSUnknown,
		"":          POSUnknown,
	}
	for in, want := range cases {
		if got := NormalizePOS(in); got != want {
			t.Errorf("NormalizePOS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestItem_Validate(t *testing.T) {
	if err := (Item{Position: 1, Term: "사과", Type: POSNoun}).Validate(); err != nil {
		t.Fatalf("valid item rejected: %v", err)
	}
	if err := (Item{Position: 0, Term: "사과"}).Validate(); err == nil {
		t.Fatalf("zero position must be rejected")
	}
	if err := (Item{Position: 3, Term: "   "}).Validate(); err == nil {
		t.Fatalf("blank term must be rejected")
	}
}

func TestStage1Key_DependsOnTermAndType(t *testing.T) {
	a := Item{Position: 1, Term: "먹다", Type: POSVerb}
	b := Item{Position: 99, Term: "먹다", Type: POSVerb}
	c := Item{Position: 1, Term: "먹다", Type: POSNoun}

	if a.Stage1Key() != b.Stage1Key() {
		t.Fatalf("position must not influence the stage-1 fingerprint")
	}
	if a.Stage1Key() == c.Stage1Key() {
		t.Fatalf("type must influence the stage-1 fingerprint")
	}
	if len(a.Stage1Key()) != 64 {
		t.Fatalf("fingerprint should be 64 hex chars, got %d", len(a.Stage1Key()))
	}
}

// TestCanonicalJSON_Deterministic verifies the property the stage-2
// fingerprint rests on: two equal analyses serialize identically.
func TestCanonicalJSON_Deterministic(t *testing.T) {
	mk := func() *Stage1Result {
		return &Stage1Result{
			IPA:            "mʌk̚t͈a",
			POS:            POSVerb,
			PrimaryMeaning: "to eat",
			Metaphor:       Metaphor{Noun: "spoon", Action: "scooping"},
			Anchor:         Anchor{Object: "rice bowl", Sensory: "steam"},
			Comparison:     Comparison{Vs: "드시다", Nuance: "plain vs honorific"},
			Homonyms:       []Homonym{{Meaning: "ink", Hanja: "墨"}},
			KoreanKeywords: []string{"밥", "식사"},
		}
	}
	a, b := mk(), mk()
	if string(a.CanonicalJSON()) != string(b.CanonicalJSON()) {
		t.Fatalf("equal analyses must canonicalize identically")
	}

	item := Item{Position: 1, Term: "먹다", Type: POSVerb}
	if item.Stage2Key(a) != item.Stage2Key(b) {
		t.Fatalf("equal analyses must produce equal stage-2 fingerprints")
	}
	b.PrimaryMeaning = "to consume"
	if item.Stage2Key(a) == item.Stage2Key(b) {
		t.Fatalf("a changed analysis must change the stage-2 fingerprint")
	}
}

// TestTSV_RoundTrip exercises the round-trip law: parse(serialize(x))
// re-serializes byte-equal, including embedded tabs and newlines.
func TestTSV_RoundTrip(t *testing.T) {
	orig := &Stage2Result{Rows: []Row{
		{
			Position: 1, TermWithIPA: "먹다 [mʌk̚t͈a]", TermNumber: 1,
			TabName: TabScene, Primer: "a\tprimer", Front: "line1\nline2",
			Back: "back", Tags: "food,verb", HonorificLevel: "plain",
		},
		{
			Position: 1, TermWithIPA: "먹다 [mʌk̚t͈a]", TermNumber: 2,
			TabName: TabExample, Primer: "p", Front: "f", Back: "b",
			Tags: "", HonorificLevel: "formal",
		},
	}}
	text := orig.TSV()

	var parsed Stage2Result
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if strings.HasPrefix(line, "position\t") {
			continue
		}
		row, ok := RowFromTSVLine(line)
		if !ok {
			t.Fatalf("serialized row failed to parse: %q", line)
		}
		parsed.Rows = append(parsed.Rows, row)
	}
	if parsed.TSV() != text {
		t.Fatalf("round trip not byte-equal:\n%q\nvs\n%q", parsed.TSV(), text)
	}
}

func TestRowFromTSVLine_Rejections(t *testing.T) {
	if _, ok := RowFromTSVLine("1\tterm\t1\tScene\tp\tf\tb"); ok {
		t.Errorf("seven columns must be rejected")
	}
	if _, ok := RowFromTSVLine("1\tterm\t1\tNotATab\tp\tf\tb\ttags"); ok {
		t.Errorf("unknown tab name must be rejected")
	}
	if _, ok := RowFromTSVLine("x\tterm\t1\tScene\tp\tf\tb\ttags"); ok {
		t.Errorf("non-numeric position must be rejected")
	}
	if row, ok := RowFromTSVLine("2\tterm\t1\tScene\tp\tf\tb\ttags"); !ok || row.HonorificLevel != "" {
		t.Errorf("eight columns should parse with empty honorific level")
	}
}
