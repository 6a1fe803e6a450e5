// Copyright 2026 The Avala Authors. All Rights Reserved.
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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dusanlazic/avala/pkg/wire"
)

// FlagStore is the durable keyed store of flags. Rows are created by intake
// with status 'queued' and transition to 'accepted' or 'rejected' exactly
// once via UpdateStatuses. Rows are never deleted.
type FlagStore struct {
	db *sql.DB
	// per-call timeout fallback if ctx has no deadline
	defaultTimeout time.Duration
}

// NewFlagStore creates a flag store over an open database handle.
func NewFlagStore(db *sql.DB) *FlagStore {
	return &FlagStore{db: db, defaultTimeout: 10 * time.Second}
}

// InsertNew inserts the values that are not yet known, all within a single
// transaction, and returns the inserted values plus the count of duplicates.
// Concurrent calls with overlapping values are serialised by the primary key:
// each value is created by exactly one caller.
func (s *FlagStore) InsertNew(ctx context.Context, values []string, exploit, target, player string, tick int) ([]string, int, error) {
	if len(values) == 0 {
		return nil, 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The request itself may repeat a value; collapse before counting.
	unique := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inserted := make([]string, 0, len(unique))
	for _, value := range unique {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO flags(value, exploit, player, tick, target, status)
			   VALUES ($1, $2, $3, $4, $5, 'queued')
			   ON CONFLICT DO NOTHING`,
			value, exploit, player, tick, target)
		if err != nil {
			return nil, 0, fmt.Errorf("insert flag %s: %w", value, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted = append(inserted, value)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return inserted, len(values) - len(inserted), nil
}

// UpdateStatuses applies checker responses to their flag rows in a single
// transaction and returns the number of rows updated. Responses whose value
// has no row, or whose row already left 'queued', are skipped: a replayed
// persistence message is a no-op.
func (s *FlagStore) UpdateStatuses(ctx context.Context, responses []wire.FlagResponse) (int, error) {
	if len(responses) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	updated := 0
	for _, r := range responses {
		res, err := tx.ExecContext(ctx,
			`UPDATE flags SET status = $2, response = $3
			   WHERE value = $1 AND status = 'queued'`,
			r.Value, r.Status, r.Response)
		if err != nil {
			return 0, fmt.Errorf("update flag %s: %w", r.Value, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// ListQueued returns the values of all flags still waiting for a verdict,
// oldest first. Used by the startup recovery sweep.
func (s *FlagStore) ListQueued(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM flags WHERE status = 'queued' ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("list queued flags: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// CountByStatus returns the number of flags per status.
func (s *FlagStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM flags GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count flags: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *FlagStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}
