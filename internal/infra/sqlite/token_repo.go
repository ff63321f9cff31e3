/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kentakayama/token-bot/internal/domain"
	"github.com/kentakayama/token-bot/internal/domain/model"
	"github.com/mattn/go-sqlite3"
)

// TokenRepository handles token persistence.
type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a new token.
// A value that is already stored or retired yields domain.ErrDuplicateToken
// and leaves the existing row as it is.
func (r *TokenRepository) Create(ctx context.Context, t *model.Token) error {
	const q = `
		INSERT INTO tokens (value, owner_id, owner_label, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, q, t.Value, t.OwnerID, t.OwnerLabel, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil {
		return classify("insert token", err)
	}
	return nil
}

// CreateIfNoActive inserts t unless the owner already holds a token that is
// active at now. The check and the insert run as one statement, so two
// writers racing for the same owner cannot both succeed.
// It reports whether the row was inserted.
func (r *TokenRepository) CreateIfNoActive(ctx context.Context, t *model.Token, now time.Time) (bool, error) {
	const q = `
		INSERT INTO tokens (value, owner_id, owner_label, issued_at, expires_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM tokens
			WHERE owner_id = ? AND expires_at > ?
		)
	`
	res, err := r.db.ExecContext(ctx, q,
		t.Value, t.OwnerID, t.OwnerLabel, t.IssuedAt.UTC(), t.ExpiresAt.UTC(),
		t.OwnerID, now.UTC(),
	)
	if err != nil {
		return false, classify("insert token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("insert token", err)
	}
	return n == 1, nil
}

// FindActiveByOwner returns the owner's token with the latest expiry that is
// still active at now, or nil if there is none.
func (r *TokenRepository) FindActiveByOwner(ctx context.Context, ownerID int64, now time.Time) (*model.Token, error) {
	const q = `
		SELECT value, owner_id, owner_label, issued_at, expires_at
		FROM tokens
		WHERE owner_id = ? AND expires_at > ?
		ORDER BY expires_at DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, q, ownerID, now.UTC())
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan token", err)
	}
	return t, nil
}

// FindByValue returns a token by its value regardless of expiry.
func (r *TokenRepository) FindByValue(ctx context.Context, value string) (*model.Token, error) {
	const q = `
		SELECT value, owner_id, owner_label, issued_at, expires_at
		FROM tokens
		WHERE value = ?
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, q, value)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan token", err)
	}
	return t, nil
}

// ListByOwner returns every stored token of the owner, newest first.
func (r *TokenRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Token, error) {
	const q = `
		SELECT value, owner_id, owner_label, issued_at, expires_at
		FROM tokens
		WHERE owner_id = ?
		ORDER BY issued_at DESC, value
	`
	rows, err := r.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, classify("query tokens", err)
	}
	defer rows.Close()

	var tokens []*model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, classify("scan token", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate tokens", err)
	}
	return tokens, nil
}

// RetireExpired removes tokens whose expiry is at or before cutoff. Their
// values are recorded in retired_tokens so they are never issued again.
// It returns the number of removed tokens.
func (r *TokenRepository) RetireExpired(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	const retire = `
		INSERT OR IGNORE INTO retired_tokens (value, retired_at)
		SELECT value, ? FROM tokens
		WHERE expires_at <= ?
	`
	const remove = `
		DELETE FROM tokens
		WHERE expires_at <= ?
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin retire", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, retire, now.UTC(), cutoff.UTC()); err != nil {
		return 0, classify("retire tokens", err)
	}
	res, err := tx.ExecContext(ctx, remove, cutoff.UTC())
	if err != nil {
		return 0, classify("delete tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete tokens", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit retire", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*model.Token, error) {
	var t model.Token
	if err := row.Scan(&t.Value, &t.OwnerID, &t.OwnerLabel, &t.IssuedAt, &t.ExpiresAt); err != nil {
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}

// classify maps key collisions to domain.ErrDuplicateToken and everything
// else to domain.ErrStorageUnavailable.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintTrigger:
			return fmt.Errorf("%s: %w", op, domain.ErrDuplicateToken)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}
