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

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"sejong/internal/errs"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// SQLStore is the durable key/value Store. One row per batch under the
// checkpoint_<batch_id> key, one singleton row for the latest pointer; both
// are upserted in a single transaction so a reader never sees the pointer
// ahead of the record.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open connection pool.
func NewSQLStore(db *sqlx.DB) *SQLStore { return &SQLStore{db: db} }

// EnsureSchema creates the checkpoint table if absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return errs.Database("checkpoint schema", err)
	}
	return nil
}

const upsertKV = `
INSERT INTO checkpoints (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

// Save writes the record and the latest pointer atomically.
func (s *SQLStore) Save(ctx context.Context, c *Checkpoint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return errs.Validation("checkpoint marshal: %v", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Database("checkpoint save begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertKV, keyPrefix+c.BatchID, string(raw), now); err != nil {
		return errs.Database("checkpoint save record", err)
	}
	if _, err := tx.ExecContext(ctx, upsertKV, latestKey, c.BatchID, now); err != nil {
		return errs.Database("checkpoint save pointer", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Database("checkpoint save commit", err)
	}
	return nil
}

// Load returns the record for batchID, or nil when the batch was never
// checkpointed.
func (s *SQLStore) Load(ctx context.Context, batchID string) (*Checkpoint, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT value FROM checkpoints WHERE key = $1`, keyPrefix+batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("checkpoint load", err)
	}
	var c Checkpoint
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, errs.Validation("checkpoint %q is corrupt: %v", batchID, err)
	}
	return &c, nil
}

// Latest returns the batch id named by the latest pointer, or "".
func (s *SQLStore) Latest(ctx context.Context) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT value FROM checkpoints WHERE key = $1`, latestKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errs.Database("checkpoint latest", err)
	}
	return id, nil
}

// Prune deletes all but the keep most recent records. The latest pointer
// row and the batch it names survive regardless of age. Intended for
// out-of-band cleanup, never during a run.
func (s *SQLStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		return 0, errs.Validation("prune keep must be positive, got %d", keep)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE key LIKE $1
		  AND key <> $2 || (SELECT value FROM checkpoints WHERE key = $3)
		  AND key NOT IN (
			SELECT key FROM checkpoints
			WHERE key LIKE $1
			ORDER BY updated_at DESC
			LIMIT $4
		  )`, keyPrefix+"%", keyPrefix, latestKey, keep)
	if err != nil {
		return 0, errs.Database("checkpoint prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
