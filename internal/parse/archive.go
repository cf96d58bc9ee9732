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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ArchiveEntry is one successfully parsed model output, kept durably so a
// resumed batch can refill results without re-calling the model.
type ArchiveEntry struct {
	TaskID       string          `db:"task_id"`
	VocabularyID int             `db:"vocabulary_id"`
	Stage        int             `db:"stage"`
	RawText      string          `db:"raw_text"`
	Payload      json.RawMessage `db:"payload"`
	Tokens       int64           `db:"tokens"`
	LatencyMs    int64           `db:"latency_ms"`
	CreatedAt    time.Time       `db:"created_at"`
}

// Archive stores parsed outputs keyed by (task, vocabulary, stage) and
// serves the most recent valid entry per (vocabulary, stage).
type Archive interface {
	Save(ctx context.Context, e ArchiveEntry) error
	Latest(ctx context.Context, vocabularyID, stage int) (*ArchiveEntry, error)
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS parsed_outputs (
    task_id       TEXT NOT NULL,
    vocabulary_id INT NOT NULL,
    stage         INT NOT NULL,
    raw_text      TEXT NOT NULL,
    payload       TEXT NOT NULL,
    tokens        BIGINT NOT NULL DEFAULT 0,
    latency_ms    BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, vocabulary_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_parsed_outputs_vocab
    ON parsed_outputs (vocabulary_id, stage, created_at DESC);
`

// SQLArchive is the relational Archive.
type SQLArchive struct {
	db *sqlx.DB
}

// NewSQLArchive wraps an open connection pool.
func NewSQLArchive(db *sqlx.DB) *SQLArchive { return &SQLArchive{db: db} }

// EnsureSchema creates the archive table if absent.
func (a *SQLArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, archiveSchema)
	return err
}

// Save upserts one parsed output. Re-archiving the same (task, vocabulary,
// stage) replaces the previous text: the newest parse wins.
func (a *SQLArchive) Save(ctx context.Context, e ArchiveEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO parsed_outputs
			(task_id, vocabulary_id, stage, raw_text, payload, tokens, latency_ms, created_at)
		VALUES
			(:task_id, :vocabulary_id, :stage, :raw_text, :payload, :tokens, :latency_ms, :created_at)
		ON CONFLICT (task_id, vocabulary_id, stage) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			payload = EXCLUDED.payload,
			tokens = EXCLUDED.tokens,
			latency_ms = EXCLUDED.latency_ms,
			created_at = EXCLUDED.created_at`, e)
	if err != nil {
		return fmt.Errorf("archive save (%s, %d, %d): %w", e.TaskID, e.VocabularyID, e.Stage, err)
	}
	return nil
}

// Latest returns the most recent archived output for (vocabularyID, stage),
// or nil when none exists.
func (a *SQLArchive) Latest(ctx context.Context, vocabularyID, stage int) (*ArchiveEntry, error) {
	var e ArchiveEntry
	err := a.db.GetContext(ctx, &e, `
		SELECT task_id, vocabulary_id, stage, raw_text, payload, tokens, latency_ms, created_at
		FROM parsed_outputs
		WHERE vocabulary_id = $1 AND stage = $2
		ORDER BY created_at DESC
		LIMIT 1`, vocabularyID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive latest (%d, %d): %w", vocabularyID, stage, err)
	}
	return &e, nil
}
