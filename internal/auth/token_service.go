// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// maxTokenAttempts bounds regeneration after a hash collision.
const maxTokenAttempts = 3

// TokenService issues, redeems and revokes opaque bearer tokens.
type TokenService struct {
	repo        TokenRepository
	rememberTTL time.Duration
	clock       Clock
	logger      *slog.Logger
}

// NewTokenService creates a token service. rememberTTL is the lifetime of the
// replacement token issued on every remember-me redemption.
func NewTokenService(repo TokenRepository, rememberTTL time.Duration, opts ...Option) (*TokenService, error) {
	if repo == nil {
		return nil, oops.Errorf("token repository is required")
	}
	if rememberTTL <= 0 {
		rememberTTL = DefaultRememberTTL
	}
	o := buildOptions(opts)
	return &TokenService{
		repo:        repo,
		rememberTTL: rememberTTL,
		clock:       o.clock,
		logger:      o.logger,
	}, nil
}

// Issue creates and persists a new token for userID. The plaintext token is
// returned once and never stored.
func (s *TokenService) Issue(ctx context.Context, userID ulid.ULID, purpose TokenPurpose, ttl time.Duration) (string, *Token, error) {
	if ttl <= 0 {
		return "", nil, oops.Code("TOKEN_INVALID_EXPIRY").With("ttl", ttl).Errorf("ttl must be positive")
	}

	var (
		plain  string
		record *Token
	)
	err := withCollisionRetry(ctx, func(ctx context.Context) error {
		token, hash, err := GenerateToken()
		if err != nil {
			return err
		}
		now := s.clock()
		t, err := NewToken(userID, purpose, hash, now, now.Add(ttl))
		if err != nil {
			return err
		}
		if err := s.repo.Create(ctx, t); err != nil {
			if errors.Is(err, ErrTokenCollision) {
				s.logger.DebugContext(ctx, "token hash collision, regenerating",
					"purpose", purpose)
				return retry.RetryableError(err)
			}
			return storageError("create token", err)
		}
		plain, record = token, t
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return plain, record, nil
}

// Owner validates a token without mutating it and returns its owner.
func (s *TokenService) Owner(ctx context.Context, token string, purpose TokenPurpose) (ulid.ULID, error) {
	t, err := s.lookup(ctx, token, purpose)
	if err != nil {
		return ulid.ULID{}, err
	}
	return t.UserID, nil
}

// Redeem validates a token and returns its owner.
//
// Remember-me tokens are rotated: the presented token is deleted and a
// replacement is returned in the same atomic datastore operation. If a
// concurrent request redeemed the same token first, TOKEN_INVALID is
// returned. Reset tokens are not mutated; the reset flow calls Consume.
func (s *TokenService) Redeem(ctx context.Context, token string, purpose TokenPurpose) (ulid.ULID, string, error) {
	t, err := s.lookup(ctx, token, purpose)
	if err != nil {
		return ulid.ULID{}, "", err
	}
	if purpose != PurposeRemember {
		recordRedemption(purpose, ResultSuccess)
		return t.UserID, "", nil
	}

	oldHash := t.TokenHash
	var plain string
	var owner ulid.ULID
	err = withCollisionRetry(ctx, func(ctx context.Context) error {
		next, hash, err := GenerateToken()
		if err != nil {
			return err
		}
		now := s.clock()
		replacement := &Token{
			ID:        NewID(),
			Purpose:   purpose,
			TokenHash: hash,
			CreatedAt: now,
			ExpiresAt: now.Add(s.rememberTTL),
		}
		if err := s.repo.Rotate(ctx, purpose, oldHash, now, replacement); err != nil {
			switch {
			case errors.Is(err, ErrTokenCollision):
				return retry.RetryableError(err)
			case errors.Is(err, ErrNotFound):
				recordRedemption(purpose, ResultRaceLost)
				return oops.Code(CodeTokenInvalid).
					With("purpose", purpose).
					With("reason", "rotated concurrently").
					Errorf("token already redeemed")
			default:
				return storageError("rotate token", err)
			}
		}
		plain, owner = next, replacement.UserID
		return nil
	})
	if err != nil {
		if !IsTokenRejected(err) {
			recordRedemption(purpose, ResultError)
		}
		return ulid.ULID{}, "", err
	}

	recordRedemption(purpose, ResultSuccess)
	return owner, plain, nil
}

// Consume atomically deletes an unexpired token and returns its owner.
// At most one concurrent caller succeeds; the others get TOKEN_INVALID.
func (s *TokenService) Consume(ctx context.Context, token string, purpose TokenPurpose) (ulid.ULID, error) {
	if !wellFormedToken(token) {
		return ulid.ULID{}, oops.Code(CodeTokenInvalid).With("purpose", purpose).Errorf("malformed token")
	}
	userID, err := s.repo.Consume(ctx, purpose, HashToken(token), s.clock())
	return consumed(userID, purpose, err)
}

// ConsumeReset atomically deletes an unexpired reset token and stores
// passwordHash for its owner. If the password cannot be stored the token
// stays redeemable.
func (s *TokenService) ConsumeReset(ctx context.Context, token, passwordHash string) (ulid.ULID, error) {
	if !wellFormedToken(token) {
		return ulid.ULID{}, oops.Code(CodeTokenInvalid).With("purpose", PurposeReset).Errorf("malformed token")
	}
	userID, err := s.repo.ConsumeReset(ctx, HashToken(token), s.clock(), passwordHash)
	return consumed(userID, PurposeReset, err)
}

func consumed(userID ulid.ULID, purpose TokenPurpose, err error) (ulid.ULID, error) {
	if errors.Is(err, ErrNotFound) {
		return ulid.ULID{}, oops.Code(CodeTokenInvalid).
			With("purpose", purpose).
			With("reason", "consumed concurrently").
			Errorf("token already used")
	}
	if err != nil {
		return ulid.ULID{}, storageError("consume token", err)
	}
	return userID, nil
}

// RevokeAll deletes every token of purpose belonging to userID.
func (s *TokenService) RevokeAll(ctx context.Context, userID ulid.ULID, purpose TokenPurpose) error {
	if err := s.repo.DeleteByUser(ctx, purpose, userID); err != nil {
		return storageError("revoke tokens", err)
	}
	return nil
}

// PurgeExpired removes expired tokens of every purpose.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.clock()
	var total int64
	for _, purpose := range []TokenPurpose{PurposeRemember, PurposeReset} {
		n, err := s.repo.DeleteExpired(ctx, purpose, now)
		if err != nil {
			return total, storageError("purge expired tokens", err)
		}
		total += n
	}
	return total, nil
}

func (s *TokenService) lookup(ctx context.Context, token string, purpose TokenPurpose) (*Token, error) {
	if !wellFormedToken(token) {
		recordRedemption(purpose, ResultInvalid)
		return nil, oops.Code(CodeTokenInvalid).With("purpose", purpose).Errorf("malformed token")
	}
	t, err := s.repo.GetByHash(ctx, purpose, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		recordRedemption(purpose, ResultInvalid)
		return nil, oops.Code(CodeTokenInvalid).With("purpose", purpose).Errorf("unknown token")
	}
	if err != nil {
		recordRedemption(purpose, ResultError)
		return nil, storageError("get token", err)
	}
	if t.IsExpiredAt(s.clock()) {
		recordRedemption(purpose, ResultExpired)
		return nil, oops.Code(CodeTokenExpired).
			With("purpose", purpose).
			With("expired_at", t.ExpiresAt).
			Errorf("token expired")
	}
	return t, nil
}

// withCollisionRetry runs fn until it succeeds, returns a non-retryable
// error, or exhausts maxTokenAttempts on ErrTokenCollision.
func withCollisionRetry(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(maxTokenAttempts-1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, fn)
	if errors.Is(err, ErrTokenCollision) {
		return oops.Code(CodeTokenCollision).
			With("attempts", maxTokenAttempts).
			Wrap(err)
	}
	return err
}
