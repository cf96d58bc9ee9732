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

package cache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"sejong/internal/vocab"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := NewStore(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testItem(pos int, term string) vocab.Item {
	return vocab.Item{Position: pos, Term: term, Type: vocab.POSNoun}
}

func testStage1() *vocab.Stage1Result {
	return &vocab.Stage1Result{
		IPA: "sagwa", POS: vocab.POSNoun, PrimaryMeaning: "apple",
		KoreanKeywords: []string{"과일"},
	}
}

func TestStore_MissThenSaveThenHit(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "사과")

	if _, _, ok := s.GetStage1(item); ok {
		t.Fatalf("empty store must miss")
	}
	s.SaveStage1(item, testStage1(), 150)

	r, saved, ok := s.GetStage1(item)
	if !ok {
		t.Fatalf("saved entry must hit")
	}
	if r.PrimaryMeaning != "apple" || saved != 150 {
		t.Fatalf("hit = %+v saved=%d", r, saved)
	}
}

// TestStore_HitSurvivesRestart: the on-disk tree, not the LRU, is the source
// of truth. A fresh Store over the same directory serves the entry.
func TestStore_HitSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s1 := newTestStore(t, Options{Dir: dir})
	item := testItem(1, "먹다")
	s1.SaveStage1(item, testStage1(), 99)

	s2 := newTestStore(t, Options{Dir: dir})
	if _, saved, ok := s2.GetStage1(item); !ok || saved != 99 {
		t.Fatalf("restarted store should hit from disk, ok=%v saved=%d", ok, saved)
	}
}

func TestStore_TTLExpiryIsAMiss(t *testing.T) {
	s := newTestStore(t, Options{TTL: 30 * time.Millisecond})
	item := testItem(1, "물")
	s.SaveStage1(item, testStage1(), 10)

	if _, _, ok := s.GetStage1(item); !ok {
		t.Fatalf("fresh entry must hit")
	}
	time.Sleep(50 * time.Millisecond)
	if _, _, ok := s.GetStage1(item); ok {
		t.Fatalf("expired entry must miss")
	}
	// the expired file is removed opportunistically
	path := s.entryPath(Stage1, item.Stage1Key())
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expired entry file should be removed, stat err=%v", err)
	}
}

func TestStore_CorruptEntryIsAMiss(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "불")
	s.SaveStage1(item, testStage1(), 10)

	path := s.entryPath(Stage1, item.Stage1Key())
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	// force disk read
	s.mu.Lock()
	s.lru.clear()
	s.mu.Unlock()

	if _, _, ok := s.GetStage1(item); ok {
		t.Fatalf("corrupt entry must degrade to a miss")
	}
}

// TestStore_BuildStage1_SingleFlight: N concurrent builders of one
// fingerprint run the build exactly once; everyone shares the result.
func TestStore_BuildStage1_SingleFlight(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "하늘")

	var builds atomic.Int64
	var wg sync.WaitGroup
	const callers = 16
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, _, err := s.BuildStage1(item, func() (*vocab.Stage1Result, int64, error) {
				builds.Add(1)
				time.Sleep(10 * time.Millisecond) // widen the race window
				return testStage1(), 42, nil
			})
			if err != nil || r == nil {
				t.Errorf("build: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := builds.Load(); n != 1 {
		t.Fatalf("build ran %d times, want exactly 1", n)
	}
	if _, _, ok := s.GetStage1(item); !ok {
		t.Fatalf("built value must be resident afterwards")
	}
}

func TestStore_BuildStage1_PartialNeverCached(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "바람")

	partial := testStage1()
	partial.Partial = true
	r, _, fromCache, err := s.BuildStage1(item, func() (*vocab.Stage1Result, int64, error) {
		return partial, 10, nil
	})
	if err != nil || fromCache {
		t.Fatalf("build: err=%v fromCache=%v", err, fromCache)
	}
	if !r.Partial {
		t.Fatalf("partial flag lost")
	}
	if _, _, ok := s.GetStage1(item); ok {
		t.Fatalf("partial result must not be cached")
	}
}

func TestStore_Stage2KeyedByAnalysis(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "사과")
	s1a := testStage1()
	s2 := &vocab.Stage2Result{Rows: []vocab.Row{{
		Position: 1, TermWithIPA: "사과", TermNumber: 1, TabName: vocab.TabScene,
	}}}
	s.SaveStage2(item, s1a, s2, 400)

	if _, _, ok := s.GetStage2(item, s1a); !ok {
		t.Fatalf("stage-2 entry must hit under the same analysis")
	}
	s1b := testStage1()
	s1b.PrimaryMeaning = "apology"
	if _, _, ok := s.GetStage2(item, s1b); ok {
		t.Fatalf("a different analysis must not hit the same stage-2 entry")
	}
}

// TestStore_GetCombined_CountsOncePerStage: a full combined hit counts one
// hit per stage; partial or absent residency counts nothing, leaving the
// per-stage path to account for itself.
func TestStore_GetCombined_CountsOncePerStage(t *testing.T) {
	s := newTestStore(t, Options{})
	warm := testItem(1, "사과")
	s1 := testStage1()
	s.SaveStage1(warm, s1, 100)
	s.SaveStage2(warm, s1, &vocab.Stage2Result{Rows: []vocab.Row{{
		Position: 1, TermWithIPA: "사과", TermNumber: 1, TabName: vocab.TabScene,
	}}}, 200)

	res, saved, ok := s.GetCombined(warm)
	if !ok || saved != 300 || len(res.Rows) != 1 {
		t.Fatalf("combined hit: ok=%v saved=%d res=%+v", ok, saved, res)
	}
	if st := s.Stats(); st.Hits != 2 || st.Misses != 0 || st.TokensSaved != 300 {
		t.Fatalf("stats after combined hit = %+v, want one hit per stage", st)
	}

	partial := testItem(2, "먹다")
	s.SaveStage1(partial, s1, 50)
	if _, _, ok := s.GetCombined(partial); ok {
		t.Fatalf("combined lookup must miss without the stage-2 entry")
	}
	if _, _, ok := s.GetCombined(testItem(3, "물")); ok {
		t.Fatalf("combined lookup must miss on a cold item")
	}
	if st := s.Stats(); st.Hits != 2 || st.Misses != 0 {
		t.Fatalf("incomplete combined lookups must not count, stats = %+v", st)
	}

	// the per-stage lookup that follows a partial miss counts exactly once
	if _, _, ok := s.GetStage1(partial); !ok {
		t.Fatalf("stage-1 entry must still hit directly")
	}
	if st := s.Stats(); st.Hits != 3 || st.Misses != 0 {
		t.Fatalf("stats after direct lookup = %+v, want 3 hits", st)
	}
}

func TestStore_InvalidateBySize(t *testing.T) {
	s := newTestStore(t, Options{})
	for i := 1; i <= 10; i++ {
		s.SaveStage1(testItem(i, "word"+string(rune('a'+i))), testStage1(), 10)
	}
	evicted := s.InvalidateBySize(0)
	if evicted != 10 {
		t.Fatalf("evicted = %d, want 10", evicted)
	}
	var remaining int
	filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".json" {
			remaining++
		}
		return nil
	})
	if remaining != 0 {
		t.Fatalf("files remaining after full eviction: %d", remaining)
	}
}

func TestStore_ClearScopedToStage(t *testing.T) {
	s := newTestStore(t, Options{})
	item := testItem(1, "사과")
	s1 := testStage1()
	s.SaveStage1(item, s1, 10)
	s.SaveStage2(item, s1, &vocab.Stage2Result{Rows: []vocab.Row{{Position: 1, TermNumber: 1, TabName: vocab.TabScene}}}, 20)

	if err := s.Clear(Stage1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, _, ok := s.GetStage1(item); ok {
		t.Fatalf("stage-1 should be cleared")
	}
	// Clear drops the whole LRU but stage-2 remains on disk.
	if _, _, ok := s.GetStage2(item, s1); !ok {
		t.Fatalf("stage-2 should survive a stage-1 clear")
	}
}

func TestStore_StatsPriceSavedTokens(t *testing.T) {
	s := newTestStore(t, Options{CostPerMillionMicroUSD: 15_000_000})
	item := testItem(1, "사과")
	s.SaveStage1(item, testStage1(), 1_000_000)
	s.GetStage1(item)
	s.GetStage1(testItem(2, "없다")) // miss

	st := s.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
	if st.TokensSaved != 1_000_000 {
		t.Fatalf("tokens saved = %d", st.TokensSaved)
	}
	if st.EstimatedSavedMicroUSD != 15_000_000 {
		t.Fatalf("estimated savings = %d micro-USD, want 15000000", st.EstimatedSavedMicroUSD)
	}
}
