/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const memoryPath = ":memory:"

// InitDB opens the SQLite database and creates the token tables.
// It is idempotent and safe to call on every process start.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool.
	// Every connection to :memory: opens a fresh database, so keep exactly one.
	if dbPath == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	// NOTE: journal_mode is persistent per DB file and returns a row.
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p, err)
		}
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// createSchema creates all necessary database tables.
func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	-- Tokens table, keyed by the token value itself
	CREATE TABLE IF NOT EXISTS tokens (
		value TEXT PRIMARY KEY NOT NULL,
		owner_id INTEGER NOT NULL,
		owner_label TEXT NOT NULL DEFAULT '',
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	-- Active-token lookups filter by owner and compare expiry
	CREATE INDEX IF NOT EXISTS idx_tokens_owner_expires ON tokens(owner_id, expires_at);
	CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);

	-- Values of swept tokens; kept so a value is never handed out twice
	CREATE TABLE IF NOT EXISTS retired_tokens (
		value TEXT PRIMARY KEY NOT NULL,
		retired_at TIMESTAMP NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS trg_tokens_reject_retired
	BEFORE INSERT ON tokens
	WHEN EXISTS (SELECT 1 FROM retired_tokens WHERE value = NEW.value)
	BEGIN
		SELECT RAISE(ABORT, 'token value already retired');
	END;
	`

	// Execute schema using transaction
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
