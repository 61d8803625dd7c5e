// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/auth/authtest"
	"github.com/schoolgate/schoolgate/pkg/errutil"
)

type sessionFixture struct {
	mgr      *auth.SessionManager
	users    *authtest.Users
	sessions *authtest.Sessions
	clock    *authtest.Clock
	user     *auth.User
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	users := authtest.NewUsers()
	sessions := authtest.NewSessions(users)
	clock := authtest.NewClock(epoch)
	mgr, err := auth.NewSessionManager(sessions, time.Hour, 30*time.Minute, auth.WithClock(clock.Now))
	require.NoError(t, err)
	user := users.Add(&auth.User{
		Username: "alice",
		Email:    "alice@example.edu",
		Role:     auth.RoleTeacher,
		Status:   auth.StatusActive,
	})
	return &sessionFixture{mgr: mgr, users: users, sessions: sessions, clock: clock, user: user}
}

func TestNewSessionManager(t *testing.T) {
	_, err := auth.NewSessionManager(nil, time.Hour, time.Minute)
	assert.Error(t, err)

	mgr, err := auth.NewSessionManager(authtest.NewSessions(nil), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, auth.DefaultSessionTTL, mgr.TTL())
}

func TestSessionManager_Create(t *testing.T) {
	f := newSessionFixture(t)
	meta := auth.RequestMeta{IPAddress: "192.0.2.10", UserAgent: "Firefox"}

	s, token, err := f.mgr.Create(context.Background(), f.user, meta)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, auth.HashToken(token), s.TokenHash)
	assert.Equal(t, f.user.ID, s.UserID)
	assert.Equal(t, auth.RoleTeacher, s.Role)
	assert.Equal(t, epoch, s.LastRegeneratedAt)
	assert.Equal(t, epoch.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, "Firefox", s.UserAgent)
	assert.Equal(t, 1, f.sessions.Len())
}

func TestSessionManager_Validate(t *testing.T) {
	ctx := context.Background()

	t.Run("slides expiry without rotating", func(t *testing.T) {
		f := newSessionFixture(t)
		_, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
		require.NoError(t, err)

		f.clock.Advance(20 * time.Minute)
		s, rotated, err := f.mgr.Validate(ctx, token)
		require.NoError(t, err)
		assert.Empty(t, rotated)
		assert.Equal(t, f.clock.Now().Add(time.Hour), s.ExpiresAt)

		// Still valid past the original expiry because of the slide.
		f.clock.Advance(50 * time.Minute)
		_, _, err = f.mgr.Validate(ctx, token)
		require.NoError(t, err)
	})

	t.Run("rotates after the regeneration interval keeping user and role", func(t *testing.T) {
		f := newSessionFixture(t)
		created, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
		require.NoError(t, err)

		f.clock.Advance(31 * time.Minute)
		s, rotated, err := f.mgr.Validate(ctx, token)
		require.NoError(t, err)
		require.NotEmpty(t, rotated)
		assert.NotEqual(t, token, rotated)
		assert.NotEqual(t, created.TokenHash, s.TokenHash)
		assert.Equal(t, created.UserID, s.UserID)
		assert.Equal(t, created.Role, s.Role)
		assert.Equal(t, f.clock.Now(), s.LastRegeneratedAt)

		_, _, err = f.mgr.Validate(ctx, token)
		errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)

		again, next, err := f.mgr.Validate(ctx, rotated)
		require.NoError(t, err)
		assert.Empty(t, next)
		assert.Equal(t, f.user.ID, again.UserID)
	})

	t.Run("expiry is exclusive and deletes the row", func(t *testing.T) {
		f := newSessionFixture(t)
		_, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		_, _, err = f.mgr.Validate(ctx, token)
		errutil.AssertErrorCode(t, err, auth.CodeSessionExpired)
		assert.True(t, auth.IsSessionRejected(err))
		assert.Equal(t, 0, f.sessions.Len())
	})

	t.Run("rejects unknown and malformed tokens", func(t *testing.T) {
		f := newSessionFixture(t)
		unknown, _, err := auth.GenerateToken()
		require.NoError(t, err)

		for _, tok := range []string{unknown, "", "not-a-token"} {
			_, _, err := f.mgr.Validate(ctx, tok)
			errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
		}
	})

	t.Run("rejects sessions of deactivated users", func(t *testing.T) {
		f := newSessionFixture(t)
		_, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
		require.NoError(t, err)

		f.users.SetStatus(f.user.ID, auth.StatusInactive)
		_, _, err = f.mgr.Validate(ctx, token)
		errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
	})

	t.Run("storage failure fails closed", func(t *testing.T) {
		f := newSessionFixture(t)
		_, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
		require.NoError(t, err)

		f.sessions.FailWith(errors.New("i/o timeout"))
		s, _, err := f.mgr.Validate(ctx, token)
		assert.Nil(t, s)
		assert.True(t, auth.IsStorageError(err))
	})
}

func TestSessionManager_ConcurrentRotation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := newSessionFixture(t)
	_, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
	require.NoError(t, err)
	f.clock.Advance(45 * time.Minute)

	var wg sync.WaitGroup
	var rotations atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, rotated, err := f.mgr.Validate(ctx, token); err == nil && rotated != "" {
				rotations.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rotations.Load())
	assert.Equal(t, 1, f.sessions.Len())
}

func TestSessionManager_Destroy(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t)
	s, token, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Destroy(ctx, s))
	require.NoError(t, f.mgr.Destroy(ctx, s), "destroying twice is not an error")
	require.NoError(t, f.mgr.Destroy(ctx, nil))

	_, _, err = f.mgr.Validate(ctx, token)
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
}

func TestSessionManager_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t)
	_, _, err := f.mgr.Create(ctx, f.user, auth.RequestMeta{})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, _, err = f.mgr.Create(ctx, f.user, auth.RequestMeta{})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	n, err := f.mgr.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.sessions.Len())
}
