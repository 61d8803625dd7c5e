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

// Session lifecycle event labels.
const (
	sessionCreated   = "created"
	sessionRotated   = "rotated"
	sessionExpired   = "expired"
	sessionDestroyed = "destroyed"
)

// SessionManager owns server-side session state: creation after credential
// verification, per-request validation with sliding expiry and periodic id
// rotation, and destruction.
type SessionManager struct {
	repo                 SessionRepository
	ttl                  time.Duration
	regenerationInterval time.Duration
	clock                Clock
	logger               *slog.Logger
}

// NewSessionManager creates a session manager. Non-positive durations fall
// back to DefaultSessionTTL and DefaultRegenerationInterval.
func NewSessionManager(repo SessionRepository, ttl, regenerationInterval time.Duration, opts ...Option) (*SessionManager, error) {
	if repo == nil {
		return nil, oops.Errorf("session repository is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if regenerationInterval <= 0 {
		regenerationInterval = DefaultRegenerationInterval
	}
	o := buildOptions(opts)
	return &SessionManager{
		repo:                 repo,
		ttl:                  ttl,
		regenerationInterval: regenerationInterval,
		clock:                o.clock,
		logger:               o.logger,
	}, nil
}

// TTL returns the idle lifetime of a session.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create starts a session for a user whose credentials were already verified.
// Returns the session and the opaque token for the cookie.
func (m *SessionManager) Create(ctx context.Context, user *User, meta RequestMeta) (*Session, string, error) {
	var (
		session *Session
		plain   string
	)
	err := withCollisionRetry(ctx, func(ctx context.Context) error {
		token, hash, err := GenerateToken()
		if err != nil {
			return err
		}
		now := m.clock()
		s, err := NewSession(user, hash, meta, now, now.Add(m.ttl))
		if err != nil {
			return err
		}
		if err := m.repo.Create(ctx, s); err != nil {
			if errors.Is(err, ErrTokenCollision) {
				return retry.RetryableError(err)
			}
			return storageError("create session", err)
		}
		session, plain = s, token
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	recordSessionEvent(sessionCreated)
	return session, plain, nil
}

// Validate resolves a session token.
//
// Unknown tokens, sessions of inactive users and expired sessions are
// rejected; expired rows are deleted. A valid session has its expiry slid
// forward. When the regeneration interval has elapsed the session token is
// rotated and the new token is returned; otherwise the returned token is "".
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, string, error) {
	if !wellFormedToken(token) {
		return nil, "", oops.Code(CodeSessionInvalid).Errorf("malformed session token")
	}

	session, err := m.repo.GetByTokenHash(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, "", oops.Code(CodeSessionInvalid).Errorf("unknown session")
	}
	if err != nil {
		return nil, "", storageError("get session", err)
	}

	now := m.clock()
	if session.IsExpiredAt(now) {
		if delErr := m.repo.Delete(ctx, session.ID); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			m.logger.WarnContext(ctx, "failed to delete expired session",
				"session_id", session.ID.String(),
				"error", delErr)
		}
		recordSessionEvent(sessionExpired)
		return nil, "", oops.Code(CodeSessionExpired).
			With("session_id", session.ID.String()).
			With("expired_at", session.ExpiresAt).
			Errorf("session expired")
	}

	expiresAt := now.Add(m.ttl)

	if !session.NeedsRegenerationAt(now, m.regenerationInterval) {
		if err := m.repo.Touch(ctx, session.ID, now, expiresAt); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, "", oops.Code(CodeSessionInvalid).Errorf("session destroyed concurrently")
			}
			return nil, "", storageError("touch session", err)
		}
		session.LastSeenAt = now
		session.ExpiresAt = expiresAt
		return session, "", nil
	}

	next, err := m.rotate(ctx, session, now, expiresAt)
	if err != nil {
		return nil, "", err
	}
	return session, next, nil
}

// rotate swaps the session token. The update is conditional on the stored
// hash so two requests racing on the same old token cannot both win.
func (m *SessionManager) rotate(ctx context.Context, session *Session, now, expiresAt time.Time) (string, error) {
	var plain, newHash string
	err := withCollisionRetry(ctx, func(ctx context.Context) error {
		token, hash, err := GenerateToken()
		if err != nil {
			return err
		}
		if err := m.repo.Rotate(ctx, session.ID, session.TokenHash, hash, now, expiresAt); err != nil {
			switch {
			case errors.Is(err, ErrTokenCollision):
				return retry.RetryableError(err)
			case errors.Is(err, ErrNotFound):
				return oops.Code(CodeSessionInvalid).
					With("session_id", session.ID.String()).
					Errorf("session rotated concurrently")
			default:
				return storageError("rotate session", err)
			}
		}
		plain, newHash = token, hash
		return nil
	})
	if err != nil {
		return "", err
	}

	session.TokenHash = newHash
	session.LastRegeneratedAt = now
	session.LastSeenAt = now
	session.ExpiresAt = expiresAt
	recordSessionEvent(sessionRotated)
	m.logger.DebugContext(ctx, "session token rotated", "session_id", session.ID.String())
	return plain, nil
}

// Destroy deletes a session. Destroying an already-deleted session is not an error.
func (m *SessionManager) Destroy(ctx context.Context, session *Session) error {
	if session == nil {
		return nil
	}
	if err := m.repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return storageError("delete session", err)
	}
	recordSessionEvent(sessionDestroyed)
	return nil
}

// DestroyAllForUser deletes every session of a user.
func (m *SessionManager) DestroyAllForUser(ctx context.Context, userID ulid.ULID) error {
	if err := m.repo.DeleteByUser(ctx, userID); err != nil {
		return storageError("delete user sessions", err)
	}
	return nil
}

// PurgeExpired deletes expired sessions and returns how many were removed.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.clock())
	if err != nil {
		return 0, storageError("purge expired sessions", err)
	}
	return n, nil
}
