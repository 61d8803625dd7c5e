// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenBytes is the entropy of every opaque credential (32 bytes = 64 hex chars).
const TokenBytes = 32

// Default credential lifetimes.
const (
	DefaultRememberTTL = 30 * 24 * time.Hour
	DefaultResetTTL    = 24 * time.Hour
)

// TokenPurpose separates persistent-login tokens from password-reset tokens.
type TokenPurpose string

// Token purposes.
const (
	PurposeRemember TokenPurpose = "remember"
	PurposeReset    TokenPurpose = "reset"
)

// Valid reports whether p is a known purpose.
func (p TokenPurpose) Valid() bool {
	return p == PurposeRemember || p == PurposeReset
}

// Token is a persisted opaque bearer credential. Only the hash is stored.
type Token struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	Purpose   TokenPurpose
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewToken creates a validated Token instance.
func NewToken(userID ulid.ULID, purpose TokenPurpose, tokenHash string, createdAt, expiresAt time.Time) (*Token, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if !purpose.Valid() {
		return nil, oops.Code("TOKEN_INVALID_PURPOSE").With("purpose", purpose).Errorf("unknown token purpose")
	}
	if tokenHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(createdAt) {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry must be after creation")
	}
	return &Token{
		ID:        NewID(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// IsExpiredAt returns true if the token is expired at t. Expiry is exclusive:
// a token presented at exactly ExpiresAt is expired.
func (t *Token) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// GenerateToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token goes to the client; the hash is stored in the database.
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, TokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", TokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashToken(token), nil
}

// HashToken computes the SHA256 hash of an opaque token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyToken checks if the plaintext token matches the stored hash in constant time.
func VerifyToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// wellFormedToken reports whether s could have been produced by GenerateToken.
// Malformed values are rejected before touching the datastore.
func wellFormedToken(s string) bool {
	if len(s) != TokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// TokenRepository persists remember-me and password-reset tokens.
// It is the only writer of token rows.
type TokenRepository interface {
	// Create stores a new token. Returns ErrTokenCollision if the hash exists.
	Create(ctx context.Context, token *Token) error

	// GetByHash retrieves a token by purpose and hash, expired or not.
	GetByHash(ctx context.Context, purpose TokenPurpose, tokenHash string) (*Token, error)

	// Rotate atomically deletes the unexpired token identified by oldHash and
	// stores replacement for the same user, setting replacement.UserID.
	// Returns ErrNotFound if no unexpired token matched (including when a
	// concurrent caller rotated it first). Nothing is written in that case.
	Rotate(ctx context.Context, purpose TokenPurpose, oldHash string, now time.Time, replacement *Token) error

	// Consume atomically deletes the unexpired token identified by tokenHash
	// and returns its owner. Returns ErrNotFound if nothing matched.
	Consume(ctx context.Context, purpose TokenPurpose, tokenHash string, now time.Time) (ulid.ULID, error)

	// ConsumeReset atomically deletes the unexpired reset token identified by
	// tokenHash and stores passwordHash for its owner. Both writes happen or
	// neither does. Returns ErrNotFound if no unexpired token matched.
	ConsumeReset(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error)

	// DeleteByUser removes every token of the given purpose for a user.
	DeleteByUser(ctx context.Context, purpose TokenPurpose, userID ulid.ULID) error

	// DeleteExpired removes expired tokens of the given purpose and returns
	// the count of deleted records.
	DeleteExpired(ctx context.Context, purpose TokenPurpose, now time.Time) (int64, error)
}
