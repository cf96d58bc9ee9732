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

// Package cache is the content-addressed result store of the engine. It
// keeps Stage-1 analyses and Stage-2 card sets keyed by SHA-256 fingerprints
// under two on-disk subtrees, fronted by a bounded in-memory LRU.
//
// The cache is an optimization, never a correctness dependency: disk errors
// on save are logged and swallowed, disk errors on read behave as a miss.
// Concurrent builders of the same fingerprint are collapsed to a single
// computation via singleflight; a miss returning from one caller becomes a
// hit for every subsequent caller.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sejong/internal/vocab"
)

// Stage selects one of the two keyed entry families.
type Stage int

const (
	Stage1 Stage = 1
	Stage2 Stage = 2
)

func (s Stage) dir() string {
	if s == Stage2 {
		return "stage2"
	}
	return "stage1"
}

// record is the self-describing on-disk entry: the original input, the
// parsed payload, token accounting, and an ISO-8601 timestamp.
type record struct {
	Input      json.RawMessage `json:"input"`
	Payload    json.RawMessage `json:"payload"`
	TokensUsed int64           `json:"tokens_used"`
	CreatedAt  time.Time       `json:"created_at"`
}

// memEntry is the decoded form kept in the LRU.
type memEntry struct {
	payload any // *vocab.Stage1Result or *vocab.Stage2Result
	tokens  int64
	created time.Time
	size    int64
}

// Options configures a Store.
type Options struct {
	Dir        string        // root directory; two subtrees are created under it
	TTL        time.Duration // entry lifetime; 0 uses the 24h default
	MaxEntries int           // LRU bound; 0 uses the 1000 default

	// CostPerMillionMicroUSD prices saved tokens for the savings estimate,
	// in micro-USD per million tokens.
	CostPerMillionMicroUSD int64
}

// Store is the two-family content-addressed cache.
type Store struct {
	dir     string
	ttl     time.Duration
	costPMM int64
	log     *zap.Logger

	mu  sync.Mutex // guards lru
	lru *lruIndex

	flight singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	tokensSaved atomic.Int64
}

// NewStore creates the store and its shard directories. The 256 two-hex-char
// shard subdirectories are created lazily on first write.
func NewStore(opts Options, log *zap.Logger) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{Stage1.dir(), Stage2.dir()} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{
		dir:     opts.Dir,
		ttl:     opts.TTL,
		costPMM: opts.CostPerMillionMicroUSD,
		log:     log,
		lru:     newLRUIndex(opts.MaxEntries),
	}, nil
}

// entryPath shards entries by the first two hex characters of the key so no
// single directory accumulates every file.
func (s *Store) entryPath(st Stage, key string) string {
	return filepath.Join(s.dir, st.dir(), key[:2], key+".json")
}

func decodeStage1(payload json.RawMessage) (any, error) {
	var r vocab.Stage1Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeStage2(payload json.RawMessage) (any, error) {
	var r vocab.Stage2Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetStage1 returns the cached analysis for item, with the token count the
// hit saved. ok is false on a miss.
func (s *Store) GetStage1(item vocab.Item) (res *vocab.Stage1Result, tokensSaved int64, ok bool) {
	e, ok := s.lookup(Stage1, item.Stage1Key(), decodeStage1, true)
	if !ok {
		return nil, 0, false
	}
	return e.payload.(*vocab.Stage1Result), e.tokens, true
}

// SaveStage1 persists a fresh analysis. Failures degrade to a log line.
func (s *Store) SaveStage1(item vocab.Item, res *vocab.Stage1Result, tokensUsed int64) {
	input, _ := json.Marshal(item)
	payload, _ := json.Marshal(res)
	s.save(Stage1, item.Stage1Key(), input, payload, res, tokensUsed)
}

// GetStage2 returns the cached card set for (item, analysis).
func (s *Store) GetStage2(item vocab.Item, s1 *vocab.Stage1Result) (res *vocab.Stage2Result, tokensSaved int64, ok bool) {
	e, ok := s.lookup(Stage2, item.Stage2Key(s1), decodeStage2, true)
	if !ok {
		return nil, 0, false
	}
	return e.payload.(*vocab.Stage2Result), e.tokens, true
}

// GetCombined returns the cached card set for item when both stage entries
// are resident, counting one hit per stage. Partial residency counts nothing
// here: the per-stage build path that follows observes its own hit or miss
// exactly once.
func (s *Store) GetCombined(item vocab.Item) (res *vocab.Stage2Result, tokensSaved int64, ok bool) {
	e1, ok := s.lookup(Stage1, item.Stage1Key(), decodeStage1, false)
	if !ok {
		return nil, 0, false
	}
	s1 := e1.payload.(*vocab.Stage1Result)
	e2, ok := s.lookup(Stage2, item.Stage2Key(s1), decodeStage2, false)
	if !ok {
		return nil, 0, false
	}
	saved := e1.tokens + e2.tokens
	s.hits.Add(2)
	s.tokensSaved.Add(saved)
	return e2.payload.(*vocab.Stage2Result), saved, true
}

// SaveStage2 persists a fresh card set under the (term, analysis) key.
func (s *Store) SaveStage2(item vocab.Item, s1 *vocab.Stage1Result, res *vocab.Stage2Result, tokensUsed int64) {
	input, _ := json.Marshal(struct {
		Item   vocab.Item      `json:"item"`
		Stage1 json.RawMessage `json:"stage1"`
	}{item, s1.CanonicalJSON()})
	payload, _ := json.Marshal(res)
	s.save(Stage2, item.Stage2Key(s1), input, payload, res, tokensUsed)
}

// BuildStage1 is the single-flight wrapper around GetStage1/SaveStage1: on a
// miss, exactly one concurrent caller runs build; the others share its
// result. fromCache is true only when the value was already resident before
// the call.
func (s *Store) BuildStage1(item vocab.Item, build func() (*vocab.Stage1Result, int64, error)) (res *vocab.Stage1Result, tokensUsed int64, fromCache bool, err error) {
	if r, _, ok := s.GetStage1(item); ok {
		return r, 0, true, nil
	}
	key := "s1:" + item.Stage1Key()
	v, err, _ := s.flight.Do(key, func() (any, error) {
		// A racing caller may have completed the build while we queued.
		if r, _, ok := s.GetStage1(item); ok {
			return &built1{res: r, cached: true}, nil
		}
		r, tokens, err := build()
		if err != nil {
			return nil, err
		}
		if !r.Partial {
			s.SaveStage1(item, r, tokens)
		}
		return &built1{res: r, tokens: tokens}, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	b := v.(*built1)
	return b.res, b.tokens, b.cached, nil
}

// BuildStage2 is the Stage-2 counterpart of BuildStage1.
func (s *Store) BuildStage2(item vocab.Item, s1 *vocab.Stage1Result, build func() (*vocab.Stage2Result, int64, error)) (res *vocab.Stage2Result, tokensUsed int64, fromCache bool, err error) {
	if r, _, ok := s.GetStage2(item, s1); ok {
		return r, 0, true, nil
	}
	key := "s2:" + item.Stage2Key(s1)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		if r, _, ok := s.GetStage2(item, s1); ok {
			return &built2{res: r, cached: true}, nil
		}
		r, tokens, err := build()
		if err != nil {
			return nil, err
		}
		s.SaveStage2(item, s1, r, tokens)
		return &built2{res: r, tokens: tokens}, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	b := v.(*built2)
	return b.res, b.tokens, b.cached, nil
}

type built1 struct {
	res    *vocab.Stage1Result
	tokens int64
	cached bool
}

type built2 struct {
	res    *vocab.Stage2Result
	tokens int64
	cached bool
}

// lookup consults the LRU, then disk. TTL expiry is opportunistic: an
// expired entry found here is removed and reported as a miss. count toggles
// the hit/miss/savings accounting; non-counting callers run their own.
func (s *Store) lookup(st Stage, key string, decode func(json.RawMessage) (any, error), count bool) (*memEntry, bool) {
	memKey := st.dir() + ":" + key
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.lru.get(memKey); ok {
		if now.Sub(e.created) < s.ttl {
			s.mu.Unlock()
			if count {
				s.hits.Add(1)
				s.tokensSaved.Add(e.tokens)
			}
			return e, true
		}
		s.lru.remove(memKey)
	}
	s.mu.Unlock()

	miss := func() (*memEntry, bool) {
		if count {
			s.misses.Add(1)
		}
		return nil, false
	}
	raw, err := os.ReadFile(s.entryPath(st, key))
	if err != nil {
		return miss()
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn("cache: corrupt entry treated as miss",
			zap.String("key", key), zap.Error(err))
		return miss()
	}
	if now.Sub(rec.CreatedAt) >= s.ttl {
		if err := os.Remove(s.entryPath(st, key)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("cache: expired entry removal failed", zap.Error(err))
		}
		return miss()
	}
	payload, err := decode(rec.Payload)
	if err != nil {
		s.log.Warn("cache: undecodable payload treated as miss",
			zap.String("key", key), zap.Error(err))
		return miss()
	}
	e := &memEntry{payload: payload, tokens: rec.TokensUsed, created: rec.CreatedAt, size: int64(len(raw))}
	s.mu.Lock()
	s.lru.add(memKey, e)
	s.mu.Unlock()
	if count {
		s.hits.Add(1)
		s.tokensSaved.Add(rec.TokensUsed)
	}
	return e, true
}

// save writes the entry file atomically (tmp + rename) and promotes it into
// the LRU. Per-key exclusion comes from the singleflight build path; a
// racing explicit save simply rewrites the same bytes.
func (s *Store) save(st Stage, key string, input, payload json.RawMessage, decoded any, tokensUsed int64) {
	rec := record{Input: input, Payload: payload, TokensUsed: tokensUsed, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(&rec)
	if err != nil {
		s.log.Warn("cache: entry marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	path := s.entryPath(st, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Warn("cache: shard dir create failed", zap.String("key", key), zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.log.Warn("cache: entry write failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn("cache: entry rename failed", zap.String("key", key), zap.Error(err))
		_ = os.Remove(tmp)
		return
	}
	e := &memEntry{payload: decoded, tokens: tokensUsed, created: rec.CreatedAt, size: int64(len(raw))}
	s.mu.Lock()
	s.lru.add(st.dir()+":"+key, e)
	s.mu.Unlock()
}

// InvalidateBySize evicts entries, least recently accessed first, until the
// on-disk footprint fits targetBytes. File modification time stands in for
// access time on disk. Returns the number of evicted entries.
func (s *Store) InvalidateBySize(targetBytes int64) int {
	type fileInfo struct {
		path string
		st   Stage
		key  string
		size int64
		mod  time.Time
	}
	var files []fileInfo
	var total int64
	for _, st := range []Stage{Stage1, Stage2} {
		root := filepath.Join(s.dir, st.dir())
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
				return nil
			}
			key := info.Name()
			key = key[:len(key)-len(".json")]
			files = append(files, fileInfo{path: path, st: st, key: key, size: info.Size(), mod: info.ModTime()})
			total += info.Size()
			return nil
		})
	}
	if total <= targetBytes {
		return 0
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	evicted := 0
	for _, f := range files {
		if total <= targetBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			s.log.Warn("cache: eviction remove failed", zap.String("path", f.path), zap.Error(err))
			continue
		}
		total -= f.size
		evicted++
		s.mu.Lock()
		s.lru.remove(f.st.dir() + ":" + f.key)
		s.mu.Unlock()
	}
	return evicted
}

// Clear removes all entries, optionally scoped to one stage (0 clears both).
func (s *Store) Clear(st Stage) error {
	stages := []Stage{Stage1, Stage2}
	if st == Stage1 || st == Stage2 {
		stages = []Stage{st}
	}
	for _, target := range stages {
		root := filepath.Join(s.dir, target.dir())
		if err := os.RemoveAll(root); err != nil {
			return err
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.lru.clear()
	s.mu.Unlock()
	return nil
}

// Stats is the cache hit/savings accounting.
type Stats struct {
	Hits        int64
	Misses      int64
	TokensSaved int64

	// EstimatedSavedMicroUSD prices TokensSaved at the configured
	// per-million rate.
	EstimatedSavedMicroUSD int64
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	saved := s.tokensSaved.Load()
	return Stats{
		Hits:                   s.hits.Load(),
		Misses:                 s.misses.Load(),
		TokensSaved:            saved,
		EstimatedSavedMicroUSD: saved * s.costPMM / 1_000_000,
	}
}

// Len reports resident LRU entries; used by the ops endpoint.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.len()
}
