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

// Package store persists flags and cross-process state in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
)

// Postgres schema:
//
// CREATE TABLE IF NOT EXISTS flags (
//   value TEXT PRIMARY KEY,
//   exploit TEXT NOT NULL,
//   player TEXT NOT NULL,
//   tick INTEGER NOT NULL,
//   target TEXT NOT NULL,
//   timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
//   status TEXT NOT NULL CHECK (status IN ('queued', 'accepted', 'rejected')),
//   response TEXT
// );
//
// CREATE TABLE IF NOT EXISTS states (
//   key TEXT PRIMARY KEY,
//   value TEXT
// );
//
// The flag value is the primary key: intake deduplication is linearised by
// the uniqueness constraint, not by application logic.

const schema = `
CREATE TABLE IF NOT EXISTS flags (
  value TEXT PRIMARY KEY,
  exploit TEXT NOT NULL,
  player TEXT NOT NULL,
  tick INTEGER NOT NULL,
  target TEXT NOT NULL,
  timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
  status TEXT NOT NULL CHECK (status IN ('queued', 'accepted', 'rejected')),
  response TEXT
);
CREATE INDEX IF NOT EXISTS idx_flags_tick ON flags(tick);
CREATE INDEX IF NOT EXISTS idx_flags_status ON flags(status);
CREATE TABLE IF NOT EXISTS states (
  key TEXT PRIMARY KEY,
  value TEXT
);`

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the flags and states tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}
