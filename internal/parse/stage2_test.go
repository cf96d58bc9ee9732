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

package parse

import (
	"testing"

	"sejong/internal/errs"
	"sejong/internal/vocab"
)

func TestStage2_SkipsHeaderAndBlankLines(t *testing.T) {
	text := "position\tterm\tterm_number\ttab_name\tprimer\tfront\tback\ttags\thonorific_level\n" +
		"\n" +
		"1\t사과\t1\tScene\tprimer\tfront\tback\tfruit\tplain\n" +
		"1\t사과\t2\tExample\tprimer\tfront\tback\tfruit\tformal\n"
	r, err := Stage2(text)
	if err != nil {
		t.Fatalf("valid TSV rejected: %v", err)
	}
	if len(r.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(r.Rows))
	}
	if r.Rows[0].TabName != vocab.TabScene || r.Rows[1].TabName != vocab.TabExample {
		t.Fatalf("tabs = %v, %v", r.Rows[0].TabName, r.Rows[1].TabName)
	}
}

// TestStage2_DropsBadRowsIndividually: malformed lines and unknown tabs are
// rejected per-row; survivors still parse.
func TestStage2_DropsBadRowsIndividually(t *testing.T) {
	text := "1\t사과\t1\tScene\tp\tf\tb\ttags\tplain\n" +
		"not a row at all\n" +
		"1\t사과\t2\tBogusTab\tp\tf\tb\ttags\tplain\n" +
		"1\t사과\t3\tHanja\tp\tf\tb\ttags\tplain\n"
	r, err := Stage2(text)
	if err != nil {
		t.Fatalf("partially valid TSV rejected: %v", err)
	}
	if len(r.Rows) != 2 {
		t.Fatalf("rows = %d, want 2 survivors", len(r.Rows))
	}
}

func TestStage2_FencedBlock(t *testing.T) {
	text := "Here are the cards:\n```tsv\n1\t사과\t1\tScene\tp\tf\tb\ttags\tplain\n```"
	r, err := Stage2(text)
	if err != nil {
		t.Fatalf("fenced TSV rejected: %v", err)
	}
	if len(r.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(r.Rows))
	}
}

func TestStage2_ZeroValidRowsFails(t *testing.T) {
	_, err := Stage2("I could not generate any cards today.")
	if errs.KindOf(err) != errs.KindParsing {
		t.Fatalf("expected parsing error, got %v", err)
	}
}
