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
	"strconv"
	"strings"
)

// TabName is the fixed enumeration of flashcard tabs. Rows carrying any
// other value are rejected individually by the parser.
type TabName string

const (
	TabScene           TabName = "Scene"
	TabUsageComparison TabName = "Usage-Comparison"
	TabHanja           TabName = "Hanja"
	TabGrammar         TabName = "Grammar"
	TabFormalCasual    TabName = "Formal-Casual"
	TabExample         TabName = "Example"
	TabCultural        TabName = "Cultural"
)

var validTabs = map[TabName]bool{
	TabScene: true, TabUsageComparison: true, TabHanja: true,
	TabGrammar: true, TabFormalCasual: true, TabExample: true,
	TabCultural: true,
}

// ValidTab reports whether t is a member of the fixed tab enumeration.
func ValidTab(t TabName) bool { return validTabs[t] }

// Row is one flashcard line of a Stage-2 result.
type Row struct {
	Position       int     `json:"position"`
	TermWithIPA    string  `json:"term_with_ipa"`
	TermNumber     int     `json:"term_number"`
	TabName        TabName `json:"tab_name"`
	Primer         string  `json:"primer"`
	Front          string  `json:"front"`
	Back           string  `json:"back"`
	Tags           string  `json:"tags"`
	HonorificLevel string  `json:"honorific_level"`
}

// Stage2Result is the ordered sequence of flashcard rows for one item.
type Stage2Result struct {
	Rows []Row `json:"rows"`
}

// TSVHeader is the wire header line for Stage-2 responses and exports.
const TSVHeader = "position\tterm\tterm_number\ttab_name\tprimer\tfront\tback\ttags\thonorific_level"

// escapeField replaces literal tabs and newlines with the two-character
// sequences \t and \n so a value never breaks the row structure.
func escapeField(s string) string {
	s = strings.ReplaceAll(s, "\\", `\\`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\n`)
	return s
}

// unescapeField reverses escapeField.
func unescapeField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// TSV serializes the rows under the standard header. Parsing the output and
// re-serializing yields byte-equal text: this is the round-trip law the
// export path depends on.
func (r *Stage2Result) TSV() string {
	var b strings.Builder
	b.WriteString(TSVHeader)
	b.WriteByte('\n')
	for _, row := range r.Rows {
		b.WriteString(row.TSVLine())
		b.WriteByte('\n')
	}
	return b.String()
}

// TSVLine serializes one row without a trailing newline.
func (row Row) TSVLine() string {
	fields := []string{
		strconv.Itoa(row.Position),
		escapeField(row.TermWithIPA),
		strconv.Itoa(row.TermNumber),
		string(row.TabName),
		escapeField(row.Primer),
		escapeField(row.Front),
		escapeField(row.Back),
		escapeField(row.Tags),
		escapeField(row.HonorificLevel),
	}
	return strings.Join(fields, "\t")
}

// RowFromTSVLine parses one tab-separated line into a Row. It requires at
// least 8 columns (honorific level may be absent) and a tab name inside the
// fixed enumeration. The bool result is false for rows that must be
// rejected individually.
func RowFromTSVLine(line string) (Row, bool) {
	cols := strings.Split(line, "\t")
	if len(cols) < 8 {
		return Row{}, false
	}
	pos, err := strconv.Atoi(strings.TrimSpace(cols[0]))
	if err != nil || pos <= 0 {
		return Row{}, false
	}
	num, err := strconv.Atoi(strings.TrimSpace(cols[2]))
	if err != nil {
		return Row{}, false
	}
	tab := TabName(strings.TrimSpace(cols[3]))
	if !ValidTab(tab) {
		return Row{}, false
	}
	row := Row{
		Position:    pos,
		TermWithIPA: unescapeField(cols[1]),
		TermNumber:  num,
		TabName:     tab,
		Primer:      unescapeField(cols[4]),
		Front:       unescapeField(cols[5]),
		Back:        unescapeField(cols[6]),
		Tags:        unescapeField(cols[7]),
	}
	if len(cols) > 8 {
		row.HonorificLevel = unescapeField(cols[8])
	}
	return row, true
}
