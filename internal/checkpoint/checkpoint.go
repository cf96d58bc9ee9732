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

// Package checkpoint persists batch progress so an interrupted run can
// resume. Records live in a key/value table: one full record per batch under
// checkpoint_<batch_id>, plus a singleton latest_checkpoint pointer naming
// the most recently saved batch. Loading always goes through the batch key;
// the pointer only answers "which batch was last running".
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"sejong/internal/errs"
	"sejong/internal/metrics"
)

// Checkpoint is the serialized batch state. Processed is a set; Pending
// keeps the submission order so resume walks items in the original sequence.
type Checkpoint struct {
	CheckpointID string                `json:"checkpoint_id"`
	BatchID      string                `json:"batch_id"`
	Timestamp    time.Time             `json:"timestamp"`
	Processed    map[int]bool          `json:"processed_items"`
	Pending      []int                 `json:"pending_items"`
	Metrics      metrics.BatchSnapshot `json:"metrics"`
	Stage        int                   `json:"current_stage"`
}

// Validate rejects records the resume path cannot act on.
func (c *Checkpoint) Validate() error {
	if c.BatchID == "" {
		return errs.Validation("checkpoint has no batch id")
	}
	if c.CheckpointID == "" {
		return errs.Validation("checkpoint has no checkpoint id")
	}
	return nil
}

// Store persists and recalls checkpoints. Save also repoints
// latest_checkpoint at the saved batch. Load returns (nil, nil) when the
// batch has no checkpoint; Latest returns "" when nothing was ever saved.
type Store interface {
	Save(ctx context.Context, c *Checkpoint) error
	Load(ctx context.Context, batchID string) (*Checkpoint, error)
	Latest(ctx context.Context) (string, error)
}

const (
	keyPrefix = "checkpoint_"
	latestKey = "latest_checkpoint"
)

// MemStore is the in-memory Store used by tests and single-shot runs that
// do not need durability.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Checkpoint
	latest  string
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Checkpoint)}
}

// Save stores a copy of the record and repoints latest.
func (s *MemStore) Save(_ context.Context, c *Checkpoint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Processed = make(map[int]bool, len(c.Processed))
	for k, v := range c.Processed {
		cp.Processed[k] = v
	}
	cp.Pending = append([]int(nil), c.Pending...)
	s.records[c.BatchID] = cp
	s.latest = c.BatchID
	return nil
}

// Load returns the stored record for batchID, or nil when absent.
func (s *MemStore) Load(_ context.Context, batchID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[batchID]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

// Latest returns the most recently saved batch id, or "".
func (s *MemStore) Latest(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

// Prune keeps the keep most recent records; older ones are dropped. The
// latest pointer is never pruned away.
func (s *MemStore) Prune(_ context.Context, keep int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 1 || len(s.records) <= keep {
		return 0
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(s.records))
	for id, c := range s.records {
		all = append(all, aged{id, c.Timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	removed := 0
	for _, a := range all[keep:] {
		if a.id == s.latest {
			continue
		}
		delete(s.records, a.id)
		removed++
	}
	return removed
}
