// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Default session lifecycle settings.
const (
	DefaultSessionTTL           = time.Hour
	DefaultRegenerationInterval = 30 * time.Minute
)

// RequestMeta describes the client behind a request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Session is the live authenticated context for one browser.
//
// The role is snapshotted at login and trusted for the lifetime of the
// session; a role change made by an administrator applies at next login.
type Session struct {
	ID                ulid.ULID
	UserID            ulid.ULID
	Role              Role
	TokenHash         string
	UserAgent         string
	IPAddress         string
	CreatedAt         time.Time
	LastRegeneratedAt time.Time
	LastSeenAt        time.Time
	ExpiresAt         time.Time
}

// NewSession creates a validated Session instance.
// UserAgent and IPAddress are optional and may be empty.
func NewSession(user *User, tokenHash string, meta RequestMeta, now, expiresAt time.Time) (*Session, error) {
	if user == nil || user.ID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if !user.Role.Valid() {
		return nil, oops.Code("SESSION_INVALID_ROLE").With("role", user.Role).Errorf("user has no valid role")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Session{
		ID:                NewID(),
		UserID:            user.ID,
		Role:              user.Role,
		TokenHash:         tokenHash,
		UserAgent:         meta.UserAgent,
		IPAddress:         meta.IPAddress,
		CreatedAt:         now,
		LastRegeneratedAt: now,
		LastSeenAt:        now,
		ExpiresAt:         expiresAt,
	}, nil
}

// IsExpiredAt returns true if the session is expired at t (expiry is exclusive).
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// NeedsRegenerationAt returns true if the id is older than interval at t.
func (s *Session) NeedsRegenerationAt(t time.Time, interval time.Duration) bool {
	return t.Sub(s.LastRegeneratedAt) > interval
}

// HasRole reports whether the session role is one of roles.
func (s *Session) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// SessionRepository manages server-side session state. It is the only writer
// of session rows.
type SessionRepository interface {
	// Create stores a new session. Returns ErrTokenCollision if the hash exists.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by token hash. Sessions whose user is
	// missing or no longer active are reported as ErrNotFound.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Touch records activity and slides the expiry.
	Touch(ctx context.Context, id ulid.ULID, lastSeen, expiresAt time.Time) error

	// Rotate replaces the token hash if the stored hash still equals oldHash.
	// Returns ErrNotFound if the session is gone or was rotated concurrently.
	Rotate(ctx context.Context, id ulid.ULID, oldHash, newHash string, at, expiresAt time.Time) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByUser removes all sessions for a user.
	DeleteByUser(ctx context.Context, userID ulid.ULID) error

	// DeleteExpired removes all expired sessions and returns the count
	// of deleted records.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
