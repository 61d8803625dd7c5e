// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/schoolgate/schoolgate/internal/auth"
)

// TokenRepository implements auth.TokenRepository using PostgreSQL.
// Remember-me and reset tokens live in separate tables with the same shape.
type TokenRepository struct {
	pool poolIface
}

var _ auth.TokenRepository = (*TokenRepository)(nil)

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(pool poolIface) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// tokenTable maps a purpose to its table. Table names are constants and
// never derived from input.
func tokenTable(purpose auth.TokenPurpose) (string, error) {
	switch purpose {
	case auth.PurposeRemember:
		return "remember_tokens", nil
	case auth.PurposeReset:
		return "password_reset_tokens", nil
	default:
		return "", oops.Code("TOKEN_INVALID_PURPOSE").
			With("purpose", purpose).
			Errorf("unknown token purpose")
	}
}

// Create stores a new token.
func (r *TokenRepository) Create(ctx context.Context, token *auth.Token) error {
	table, err := tokenTable(token.Purpose)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO `+table+` (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		token.ID.String(),
		token.UserID.String(),
		token.TokenHash,
		token.ExpiresAt,
		token.CreatedAt,
	)
	if isUniqueViolation(err) {
		return auth.ErrTokenCollision
	}
	if err != nil {
		return oops.Code("TOKEN_CREATE_FAILED").
			With("operation", "insert token").
			With("purpose", token.Purpose).
			With("user_id", token.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByHash retrieves a token by its hash, expired or not.
func (r *TokenRepository) GetByHash(ctx context.Context, purpose auth.TokenPurpose, tokenHash string) (*auth.Token, error) {
	table, err := tokenTable(purpose)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM `+table+`
		WHERE token_hash = $1
	`, tokenHash)

	token, err := scanToken(row, purpose)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").
			With("purpose", purpose).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_GET_FAILED").
			With("operation", "get token by hash").
			With("purpose", purpose).
			Wrap(err)
	}
	return token, nil
}

// Rotate deletes the unexpired token identified by oldHash and inserts the
// replacement for the same user in one statement. Concurrent rotations of
// the same token serialize on the row lock; only the first deletes a row,
// so only the first inserts a replacement.
func (r *TokenRepository) Rotate(ctx context.Context, purpose auth.TokenPurpose, oldHash string, now time.Time, replacement *auth.Token) error {
	table, err := tokenTable(purpose)
	if err != nil {
		return err
	}

	var userIDStr string
	err = r.pool.QueryRow(ctx, `
		WITH old AS (
			DELETE FROM `+table+`
			WHERE token_hash = $1 AND expires_at > $2
			RETURNING user_id
		)
		INSERT INTO `+table+` (id, user_id, token_hash, expires_at, created_at)
		SELECT $3, old.user_id, $4, $5, $6 FROM old
		RETURNING user_id
	`,
		oldHash,
		now,
		replacement.ID.String(),
		replacement.TokenHash,
		replacement.ExpiresAt,
		replacement.CreatedAt,
	).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return oops.Code("TOKEN_NOT_FOUND").
			With("purpose", purpose).
			Wrap(auth.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return auth.ErrTokenCollision
	}
	if err != nil {
		return oops.Code("TOKEN_ROTATE_FAILED").
			With("operation", "rotate token").
			With("purpose", purpose).
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return oops.Code("TOKEN_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}
	replacement.UserID = userID
	replacement.Purpose = purpose
	return nil
}

// Consume deletes the unexpired token identified by tokenHash and returns
// its owner.
func (r *TokenRepository) Consume(ctx context.Context, purpose auth.TokenPurpose, tokenHash string, now time.Time) (ulid.ULID, error) {
	table, err := tokenTable(purpose)
	if err != nil {
		return ulid.ULID{}, err
	}

	var userIDStr string
	err = r.pool.QueryRow(ctx, `
		DELETE FROM `+table+`
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING user_id
	`, tokenHash, now).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("TOKEN_NOT_FOUND").
			With("purpose", purpose).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_CONSUME_FAILED").
			With("operation", "consume token").
			With("purpose", purpose).
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}
	return userID, nil
}

// ConsumeReset deletes the unexpired reset token and writes the owner's new
// password hash in one statement. If the update fails the delete is rolled
// back with it.
func (r *TokenRepository) ConsumeReset(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error) {
	var userIDStr string
	err := r.pool.QueryRow(ctx, `
		WITH consumed AS (
			DELETE FROM password_reset_tokens
			WHERE token_hash = $1 AND expires_at > $2
			RETURNING user_id
		)
		UPDATE users SET password_hash = $3
		FROM consumed
		WHERE users.id = consumed.user_id
		RETURNING users.id
	`, tokenHash, now, passwordHash).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("TOKEN_NOT_FOUND").
			With("purpose", auth.PurposeReset).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_CONSUME_RESET_FAILED").
			With("operation", "consume reset token and update password").
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}
	return userID, nil
}

// DeleteByUser removes every token of purpose for a user.
func (r *TokenRepository) DeleteByUser(ctx context.Context, purpose auth.TokenPurpose, userID ulid.ULID) error {
	table, err := tokenTable(purpose)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID.String())
	if err != nil {
		return oops.Code("TOKEN_DELETE_BY_USER_FAILED").
			With("operation", "delete tokens by user").
			With("purpose", purpose).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes tokens expired at now and returns the count.
func (r *TokenRepository) DeleteExpired(ctx context.Context, purpose auth.TokenPurpose, now time.Time) (int64, error) {
	table, err := tokenTable(purpose)
	if err != nil {
		return 0, err
	}

	result, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, oops.Code("TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired tokens").
			With("purpose", purpose).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanToken scans a single row into a Token.
// Callers are responsible for handling pgx.ErrNoRows.
func scanToken(row pgx.Row, purpose auth.TokenPurpose) (*auth.Token, error) {
	var (
		idStr     string
		userIDStr string
		t         auth.Token
	)

	err := row.Scan(&idStr, &userIDStr, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("TOKEN_SCAN_FAILED").
			With("operation", "scan token").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_ID").With("id", idStr).Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_USER_ID").With("user_id", userIDStr).Wrap(err)
	}

	t.ID = id
	t.UserID = userID
	t.Purpose = purpose
	return &t, nil
}
