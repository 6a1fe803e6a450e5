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
	"errors"
	"fmt"
)

// State keys written by the attack-data refresher.
const (
	KeyAttackData     = "attack_data"
	KeyAttackDataHash = "attack_data_hash"
)

// StateStore is a small key-value table for cross-process singletons such as
// the last attack-data payload and its hash.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a state store over an open database handle.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Get returns the value for key and whether it exists.
func (s *StateStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM states WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value.String, value.Valid, nil
}

// Put upserts a single key.
func (s *StateStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO states(key, value) VALUES ($1, $2)
		   ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// PutAttackData writes the payload and its hash in one transaction so readers
// always observe a payload whose md5 equals the stored hash.
func (s *StateStore) PutAttackData(ctx context.Context, hash, payload string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, kv := range [][2]string{{KeyAttackDataHash, hash}, {KeyAttackData, payload}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO states(key, value) VALUES ($1, $2)
			   ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			kv[0], kv[1]); err != nil {
			return fmt.Errorf("put state %s: %w", kv[0], err)
		}
	}
	return tx.Commit()
}
