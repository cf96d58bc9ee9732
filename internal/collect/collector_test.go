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

package collect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sejong/internal/errs"
)

func TestCollector_OrderedAscendingByPosition(t *testing.T) {
	c := New(4)
	for _, pos := range []int{3, 1, 4, 2} {
		if err := c.Add(ProcessingResult{Position: pos, Term: "t"}); err != nil {
			t.Fatalf("add %d: %v", pos, err)
		}
	}
	got := c.Ordered()
	for i, r := range got {
		if r.Position != i+1 {
			t.Fatalf("ordered[%d].Position = %d, want %d", i, r.Position, i+1)
		}
	}
}

func TestCollector_Add_RejectsDuplicatePosition(t *testing.T) {
	c := New(2)
	if err := c.Add(ProcessingResult{Position: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := c.Add(ProcessingResult{Position: 1, Term: "overwrite"})
	if err == nil {
		t.Fatalf("duplicate position must be rejected, not overwritten")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("duplicate rejection kind = %v, want validation", errs.KindOf(err))
	}
	if c.Len() != 1 {
		t.Fatalf("duplicate must not change the held count, got %d", c.Len())
	}
}

func TestCollector_WaitAll_ReleasesWhenComplete(t *testing.T) {
	c := New(8)
	var wg sync.WaitGroup
	for pos := 1; pos <= 8; pos++ {
		wg.Add(1)
		go func(pos int) {
			defer wg.Done()
			if err := c.Add(ProcessingResult{Position: pos}); err != nil {
				t.Errorf("add %d: %v", pos, err)
			}
		}(pos)
	}
	if err := c.WaitAll(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("wait should release once all results arrive: %v", err)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Fatalf("held = %d, want 8", c.Len())
	}
}

func TestCollector_WaitAll_TimesOutShort(t *testing.T) {
	c := New(2)
	c.Add(ProcessingResult{Position: 1})
	err := c.WaitAll(context.Background(), 20*time.Millisecond)
	if errs.KindOf(err) != errs.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestCollector_WaitAll_ZeroExpectedReturnsImmediately(t *testing.T) {
	c := New(0)
	if err := c.WaitAll(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("empty collector should not block: %v", err)
	}
}

func TestCollector_Stats(t *testing.T) {
	c := New(4)
	c.Add(ProcessingResult{Position: 1, FromCache: true})
	c.Add(ProcessingResult{Position: 2})
	c.Add(ProcessingResult{Position: 3, Err: errors.New("boom")})
	c.Add(ProcessingResult{Position: 4, FromCache: true})

	s := c.Stats()
	if s.Succeeded != 3 || s.Failed != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 3/1", s.Succeeded, s.Failed)
	}
	if s.CacheHits != 2 {
		t.Fatalf("cache hits = %d, want 2", s.CacheHits)
	}
	if s.HitRate != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", s.HitRate)
	}
}
