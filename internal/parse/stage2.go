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
	"strings"

	"sejong/internal/errs"
	"sejong/internal/vocab"
)

// Stage2 parses a card-model TSV response. The parser is tolerant: a header
// line is skipped if present, rows with too few columns or an unknown tab
// name are rejected individually, and only a response yielding zero valid
// rows fails as a whole.
func Stage2(text string) (*vocab.Stage2Result, error) {
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	lines := strings.Split(text, "\n")
	var rows []vocab.Row
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isHeader(line) {
			continue
		}
		if row, ok := vocab.RowFromTSVLine(line); ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, errs.Parsing("stage-2 response contains no valid flashcard rows", nil)
	}
	return &vocab.Stage2Result{Rows: rows}, nil
}

func isHeader(line string) bool {
	return strings.HasPrefix(strings.ToLower(line), "position\t")
}
