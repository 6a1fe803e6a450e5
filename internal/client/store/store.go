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

// Package store is the exploit client's local SQLite database. It remembers
// attack-data fingerprints so unchanged targets are not re-attacked, holds
// arbitrary per-exploit objects, and buffers flags that could not reach the
// server.
package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
  key TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS objects (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_flags (
  value TEXT PRIMARY KEY,
  exploit TEXT NOT NULL,
  target TEXT NOT NULL
);`

// Store wraps the client database. All methods are safe for concurrent use;
// database/sql serialises access to the single connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database under dir (typically ".avala").
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "client.db"))
	if err != nil {
		return nil, fmt.Errorf("open client db: %w", err)
	}
	// The sqlite driver does not support concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint derives the dedup key for one exploit execution: the exploit
// alias, the target and the flag IDs it would run with. Re-running with the
// same inputs cannot produce new flags, so the fingerprint gates execution.
func Fingerprint(alias, target string, flagIDs []byte) string {
	h := md5.New()
	h.Write([]byte(alias))
	h.Write([]byte(target))
	h.Write(flagIDs)
	return hex.EncodeToString(h.Sum(nil))
}

// SeenFingerprint reports whether the fingerprint was recorded before.
func (s *Store) SeenFingerprint(ctx context.Context, fp string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM hashes WHERE key = ?`, fp).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return true, nil
}

// RememberFingerprint records the fingerprint. Recording twice is a no-op.
func (s *Store) RememberFingerprint(ctx context.Context, fp string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO hashes(key) VALUES (?)`, fp)
	if err != nil {
		return fmt.Errorf("remember fingerprint: %w", err)
	}
	return nil
}

// PutObject stores an arbitrary blob under key, replacing any previous value.
// Exploits use this to carry session state between ticks.
func (s *Store) PutObject(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects(key, value) VALUES (?, ?)
		   ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject returns the blob stored under key and whether it exists.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM objects WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get object %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteObject removes the blob stored under key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// PendingGroup is one outbox batch: all buffered flags sharing an exploit and
// target, ready to be enqueued in a single request.
type PendingGroup struct {
	Exploit string
	Target  string
	Values  []string
}

// AddPending buffers flags that could not be delivered to the server. A flag
// value is the outbox key, so buffering the same flag twice keeps one row.
func (s *Store) AddPending(ctx context.Context, values []string, exploit, target string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pending_flags(value, exploit, target) VALUES (?, ?, ?)`,
			v, exploit, target); err != nil {
			return fmt.Errorf("buffer flag %s: %w", v, err)
		}
	}
	return tx.Commit()
}

// ListPending returns the buffered flags grouped by (exploit, target) so each
// group maps onto one enqueue request.
func (s *Store) ListPending(ctx context.Context) ([]PendingGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, exploit, target FROM pending_flags ORDER BY exploit, target, value`)
	if err != nil {
		return nil, fmt.Errorf("list pending flags: %w", err)
	}
	defer rows.Close()

	var groups []PendingGroup
	for rows.Next() {
		var value, ex, targ string
		if err := rows.Scan(&value, &ex, &targ); err != nil {
			return nil, err
		}
		n := len(groups)
		if n == 0 || groups[n-1].Exploit != ex || groups[n-1].Target != targ {
			groups = append(groups, PendingGroup{Exploit: ex, Target: targ})
			n++
		}
		groups[n-1].Values = append(groups[n-1].Values, value)
	}
	return groups, rows.Err()
}

// ResolvePending deletes a delivered group from the outbox.
func (s *Store) ResolvePending(ctx context.Context, group PendingGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, v := range group.Values {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_flags WHERE value = ?`, v); err != nil {
			return fmt.Errorf("resolve pending flag %s: %w", v, err)
		}
	}
	return tx.Commit()
}

// PendingCount returns the number of buffered flags.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_flags`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending flags: %w", err)
	}
	return n, nil
}
