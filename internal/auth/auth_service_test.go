// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/auth/authtest"
	"github.com/schoolgate/schoolgate/pkg/errutil"
)

// countingHasher records how often Verify runs and the last hash it checked.
type countingHasher struct {
	auth.PasswordHasher
	verifies atomic.Int32

	mu       sync.Mutex
	verified string
}

func (h *countingHasher) Verify(password, hash string) (bool, error) {
	h.verifies.Add(1)
	h.mu.Lock()
	h.verified = hash
	h.mu.Unlock()
	return h.PasswordHasher.Verify(password, hash)
}

func (h *countingHasher) lastVerified() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verified
}

type serviceFixture struct {
	svc      *auth.Service
	users    *authtest.Users
	sessions *authtest.Sessions
	tokens   *authtest.Tokens
	activity *authtest.ActivityRecorder
	notifier *authtest.Notifier
	hasher   *countingHasher
	clock    *authtest.Clock
	alice    *auth.User
}

var meta = auth.RequestMeta{IPAddress: "198.51.100.7", UserAgent: "Mozilla/5.0"}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		users:    authtest.NewUsers(),
		activity: &authtest.ActivityRecorder{},
		notifier: &authtest.Notifier{},
		hasher:   &countingHasher{PasswordHasher: auth.NewArgon2idHasherWithParams(fastParams)},
		clock:    authtest.NewClock(epoch),
	}
	f.sessions = authtest.NewSessions(f.users)
	f.tokens = authtest.NewTokens(f.users)

	hash, err := f.hasher.Hash("s3cret-pass")
	require.NoError(t, err)
	f.alice = f.users.Add(&auth.User{
		Username:     "alice",
		Email:        "alice@school.example",
		PasswordHash: hash,
		Role:         auth.RoleTeacher,
		Status:       auth.StatusActive,
	})

	cfg := auth.DefaultConfig()
	cfg.ResetBaseURL = "https://portal.example/reset-password"
	f.svc, err = auth.NewService(auth.Deps{
		Users:    f.users,
		Sessions: f.sessions,
		Tokens:   f.tokens,
		Hasher:   f.hasher,
		Activity: f.activity,
		Notifier: f.notifier,
	}, cfg, auth.WithClock(f.clock.Now))
	require.NoError(t, err)
	return f
}

func (f *serviceFixture) login(t *testing.T, remember bool) *auth.LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), auth.LoginRequest{
		Identifier: "alice",
		Password:   "s3cret-pass",
		Role:       "teacher",
		RememberMe: remember,
		Meta:       meta,
	})
	require.NoError(t, err)
	return res
}

func (f *serviceFixture) resetToken(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.svc.ForgotPassword(context.Background(), "alice@school.example", meta))
	sent := f.notifier.Sent()
	require.NotEmpty(t, sent)
	link, err := url.Parse(sent[len(sent)-1].Link)
	require.NoError(t, err)
	return link.Query().Get("token")
}

func TestNewService_ValidatesDependencies(t *testing.T) {
	users := authtest.NewUsers()
	sessions := authtest.NewSessions(users)
	tokens := authtest.NewTokens(users)
	hasher := auth.NewArgon2idHasher()

	tests := []struct {
		name string
		deps auth.Deps
	}{
		{"missing users", auth.Deps{Sessions: sessions, Tokens: tokens, Hasher: hasher}},
		{"missing sessions", auth.Deps{Users: users, Tokens: tokens, Hasher: hasher}},
		{"missing tokens", auth.Deps{Users: users, Sessions: sessions, Hasher: hasher}},
		{"missing hasher", auth.Deps{Users: users, Sessions: sessions, Tokens: tokens}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := auth.NewService(tt.deps, auth.DefaultConfig())
			assert.Error(t, err)
			assert.Nil(t, svc)
		})
	}

	t.Run("zero config gets defaults", func(t *testing.T) {
		svc, err := auth.NewService(auth.Deps{Users: users, Sessions: sessions, Tokens: tokens, Hasher: hasher}, auth.Config{})
		require.NoError(t, err)
		assert.Equal(t, auth.DefaultConfig().SessionTTL, svc.Config().SessionTTL)
		assert.Equal(t, auth.DefaultMinPasswordLength, svc.Config().MinPasswordLength)
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("alice logs in as teacher", func(t *testing.T) {
		f := newServiceFixture(t)
		res := f.login(t, false)

		assert.Equal(t, f.alice.ID, res.Session.UserID)
		assert.Equal(t, auth.RoleTeacher, res.Session.Role)
		assert.Len(t, res.SessionToken, 64)
		assert.Empty(t, res.RememberToken)
		assert.Equal(t, "/teacher/dashboard", f.svc.LoginRedirect(res.Session, ""))

		stored := f.users.Get(f.alice.ID)
		require.NotNil(t, stored.LastLogin)
		assert.Equal(t, epoch, *stored.LastLogin)

		logins := f.activity.OfType(auth.ActivityLogin)
		require.Len(t, logins, 1, "exactly one login event")
		assert.Equal(t, f.alice.ID, logins[0].UserID)
		assert.Equal(t, meta.IPAddress, logins[0].IPAddress)
	})

	t.Run("login by email is case-insensitive", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.svc.Login(ctx, auth.LoginRequest{
			Identifier: "Alice@School.Example", Password: "s3cret-pass", Role: "teacher",
		})
		require.NoError(t, err)
	})

	failures := []struct {
		name  string
		req   auth.LoginRequest
		setup func(f *serviceFixture)
	}{
		{"wrong password", auth.LoginRequest{Identifier: "alice", Password: "nope", Role: "teacher"}, nil},
		{"wrong role", auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "student"}, nil},
		{"unknown role", auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "principal"}, nil},
		{"unknown user", auth.LoginRequest{Identifier: "mallory", Password: "s3cret-pass", Role: "teacher"}, nil},
		{"empty identifier", auth.LoginRequest{Password: "s3cret-pass", Role: "teacher"}, nil},
		{"empty password", auth.LoginRequest{Identifier: "alice", Role: "teacher"}, nil},
		{"inactive user", auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "teacher"},
			func(f *serviceFixture) { f.users.SetStatus(f.alice.ID, auth.StatusInactive) }},
	}
	for _, tt := range failures {
		t.Run(tt.name+" is indistinguishable", func(t *testing.T) {
			f := newServiceFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			res, err := f.svc.Login(ctx, tt.req)
			assert.Nil(t, res)
			errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
			assert.Equal(t, "invalid credentials", err.Error())
			assert.Equal(t, int32(1), f.hasher.verifies.Load(), "password hashing always runs once")
			assert.Equal(t, 0, f.sessions.Len())
			assert.Len(t, f.activity.OfType(auth.ActivityLoginFailed), 1)
			assert.Empty(t, f.activity.OfType(auth.ActivityLogin))
		})
	}

	t.Run("unusable stored hash is bad credentials", func(t *testing.T) {
		f := newServiceFixture(t)
		require.NoError(t, f.users.UpdatePassword(ctx, f.alice.ID, "$argon2id$v=19$m=65536,t=0,p=0$c2FsdA$aGFzaA"))

		_, err := f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "teacher"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("storage failure is not reported as bad credentials", func(t *testing.T) {
		f := newServiceFixture(t)
		f.users.FailWith(errors.New("connection refused"))

		_, err := f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "teacher"})
		assert.True(t, auth.IsStorageError(err))
		assert.False(t, auth.IsInvalidCredentials(err))
	})

	t.Run("remember me issues a persistent token", func(t *testing.T) {
		f := newServiceFixture(t)
		res := f.login(t, true)

		assert.Len(t, res.RememberToken, 64)
		assert.Equal(t, epoch.Add(auth.DefaultRememberTTL), res.RememberExpiresAt)
		assert.Equal(t, 1, f.tokens.Count(auth.PurposeRemember, f.alice.ID))
	})

	t.Run("remember token failure destroys the new session", func(t *testing.T) {
		f := newServiceFixture(t)
		f.tokens.FailWith(errors.New("disk full"))

		_, err := f.svc.Login(ctx, auth.LoginRequest{
			Identifier: "alice", Password: "s3cret-pass", Role: "teacher", RememberMe: true,
		})
		assert.True(t, auth.IsStorageError(err))
		assert.Equal(t, 0, f.sessions.Len())
		assert.Empty(t, f.activity.OfType(auth.ActivityLogin))
	})

	t.Run("legacy bcrypt hash is upgraded", func(t *testing.T) {
		f := newServiceFixture(t)
		legacy, err := bcrypt.GenerateFromPassword([]byte("old-portal-pw"), bcrypt.MinCost)
		require.NoError(t, err)
		bob := f.users.Add(&auth.User{
			Username: "bob", Email: "bob@school.example", PasswordHash: string(legacy),
			Role: auth.RoleStudent, Status: auth.StatusActive,
		})

		_, err = f.svc.Login(ctx, auth.LoginRequest{Identifier: "bob", Password: "old-portal-pw", Role: "student"})
		require.NoError(t, err)

		upgraded := f.users.Get(bob.ID).PasswordHash
		assert.Contains(t, upgraded, "$argon2id$")
		ok, err := f.hasher.Verify("old-portal-pw", upgraded)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestService_LoginUnknownUserCostsConfiguredWork(t *testing.T) {
	params := auth.Argon2Params{Time: 3, Memory: 2048, Threads: 2}
	hasher := &countingHasher{PasswordHasher: auth.NewArgon2idHasherWithParams(params)}
	users := authtest.NewUsers()
	svc, err := auth.NewService(auth.Deps{
		Users:    users,
		Sessions: authtest.NewSessions(users),
		Tokens:   authtest.NewTokens(users),
		Hasher:   hasher,
		Activity: &authtest.ActivityRecorder{},
	}, auth.DefaultConfig())
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), auth.LoginRequest{Identifier: "nobody", Password: "guess-pass", Role: "teacher"})
	errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)

	dummy := hasher.lastVerified()
	assert.True(t, strings.HasPrefix(dummy, "$argon2id$v=19$m=2048,t=3,p=2$"), dummy)
	assert.False(t, hasher.NeedsUpgrade(dummy))
}

func TestService_Resume(t *testing.T) {
	ctx := context.Background()

	t.Run("valid session", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, false)

		res, err := f.svc.Resume(ctx, login.SessionToken, "", meta)
		require.NoError(t, err)
		require.NotNil(t, res.Session)
		assert.Equal(t, login.Session.ID, res.Session.ID)
		assert.Empty(t, res.SessionToken)
	})

	t.Run("rotated session returns the new token", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, false)
		f.clock.Advance(31 * time.Minute)

		res, err := f.svc.Resume(ctx, login.SessionToken, "", meta)
		require.NoError(t, err)
		assert.NotEmpty(t, res.SessionToken)
		assert.NotEqual(t, login.SessionToken, res.SessionToken)
	})

	t.Run("expired session falls back to remember token", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)
		f.clock.Advance(2 * time.Hour)

		res, err := f.svc.Resume(ctx, login.SessionToken, login.RememberToken, meta)
		require.NoError(t, err)
		require.NotNil(t, res.Session)
		assert.Equal(t, f.alice.ID, res.Session.UserID)
		assert.Equal(t, auth.RoleTeacher, res.Session.Role)
		assert.NotEmpty(t, res.SessionToken)
		assert.NotEmpty(t, res.RememberToken)
		assert.NotEqual(t, login.RememberToken, res.RememberToken)
		assert.False(t, res.ClearSession)
		assert.Len(t, f.activity.OfType(auth.ActivityRememberLogin), 1)

		// The old remember token is dead after rotation.
		again, err := f.svc.Resume(ctx, "", login.RememberToken, meta)
		require.NoError(t, err)
		assert.Nil(t, again.Session)
		assert.True(t, again.ClearRemember)
		assert.Len(t, f.activity.OfType(auth.ActivityTokenRejected), 1)
	})

	t.Run("remember token of a deactivated user is revoked", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)
		f.users.SetStatus(f.alice.ID, auth.StatusInactive)

		res, err := f.svc.Resume(ctx, "", login.RememberToken, meta)
		require.NoError(t, err)
		assert.Nil(t, res.Session)
		assert.True(t, res.ClearRemember)
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeRemember, f.alice.ID))
	})

	t.Run("no cookies is anonymous", func(t *testing.T) {
		f := newServiceFixture(t)
		res, err := f.svc.Resume(ctx, "", "", meta)
		require.NoError(t, err)
		assert.Nil(t, res.Session)
		assert.False(t, res.ClearSession)
		assert.False(t, res.ClearRemember)
	})

	t.Run("storage failure keeps cookies and reports error", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, false)
		f.sessions.FailWith(errors.New("timeout"))

		res, err := f.svc.Resume(ctx, login.SessionToken, "", meta)
		assert.True(t, auth.IsStorageError(err))
		assert.Nil(t, res.Session)
		assert.False(t, res.ClearSession)
	})
}

func TestService_ConcurrentRememberResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := newServiceFixture(t)
	login := f.login(t, true)

	var wg sync.WaitGroup
	var resumed atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Resume(ctx, "", login.RememberToken, meta)
			if err == nil && res.Session != nil {
				resumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resumed.Load())
	assert.Equal(t, 1, f.tokens.Count(auth.PurposeRemember, f.alice.ID))
}

func TestService_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("old cookies are anonymous afterwards", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)

		require.NoError(t, f.svc.Logout(ctx, login.Session, login.RememberToken, meta))
		assert.Equal(t, 0, f.sessions.Len())
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeRemember, f.alice.ID))

		res, err := f.svc.Resume(ctx, login.SessionToken, login.RememberToken, meta)
		require.NoError(t, err)
		assert.Nil(t, res.Session)
		assert.True(t, res.ClearSession)
		assert.True(t, res.ClearRemember)

		logouts := f.activity.OfType(auth.ActivityLogout)
		require.Len(t, logouts, 1)
		assert.Equal(t, f.alice.ID, logouts[0].UserID)
	})

	t.Run("remember cookie alone is revoked", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)

		require.NoError(t, f.svc.Logout(ctx, nil, login.RememberToken, meta))
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeRemember, f.alice.ID))
	})

	t.Run("anonymous logout is a no-op", func(t *testing.T) {
		f := newServiceFixture(t)
		require.NoError(t, f.svc.Logout(ctx, nil, "", meta))
		assert.Empty(t, f.activity.Events())
	})
}

func TestService_PasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown email gets the generic response and no link", func(t *testing.T) {
		f := newServiceFixture(t)
		require.NoError(t, f.svc.ForgotPassword(ctx, "nobody@school.example", meta))
		assert.Empty(t, f.notifier.Sent())
		assert.Empty(t, f.activity.Events())
	})

	t.Run("inactive user gets no link", func(t *testing.T) {
		f := newServiceFixture(t)
		f.users.SetStatus(f.alice.ID, auth.StatusInactive)
		require.NoError(t, f.svc.ForgotPassword(ctx, "alice@school.example", meta))
		assert.Empty(t, f.notifier.Sent())
	})

	t.Run("storage failure still looks successful", func(t *testing.T) {
		f := newServiceFixture(t)
		f.tokens.FailWith(errors.New("readonly"))
		require.NoError(t, f.svc.ForgotPassword(ctx, "alice@school.example", meta))
		assert.Empty(t, f.notifier.Sent())
	})

	t.Run("full reset flow", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)
		token := f.resetToken(t)

		sent := f.notifier.Sent()[0]
		assert.Equal(t, f.alice.ID, sent.User.ID)
		assert.Contains(t, sent.Link, "https://portal.example/reset-password?token=")
		assert.Equal(t, epoch.Add(auth.DefaultResetTTL), sent.ExpiresAt)

		require.NoError(t, f.svc.ValidateResetToken(ctx, token))
		require.NoError(t, f.svc.ResetPassword(ctx, token, "brand-new-pass", meta))

		// Single use.
		err := f.svc.ResetPassword(ctx, token, "another-pass", meta)
		errutil.AssertErrorCode(t, err, auth.CodeTokenInvalid)
		errutil.AssertErrorCode(t, f.svc.ValidateResetToken(ctx, token), auth.CodeTokenInvalid)

		// Credentials swapped; other sessions and remember tokens revoked.
		_, err = f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "s3cret-pass", Role: "teacher"})
		assert.True(t, auth.IsInvalidCredentials(err))
		_, err = f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "brand-new-pass", Role: "teacher"})
		require.NoError(t, err)
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeRemember, f.alice.ID))

		res, err := f.svc.Resume(ctx, login.SessionToken, "", meta)
		require.NoError(t, err)
		assert.Nil(t, res.Session)

		assert.Len(t, f.activity.OfType(auth.ActivityPasswordResetRequested), 1)
		assert.Len(t, f.activity.OfType(auth.ActivityPasswordReset), 1)
	})

	t.Run("all outstanding reset links die on success", func(t *testing.T) {
		f := newServiceFixture(t)
		first := f.resetToken(t)
		second := f.resetToken(t)

		require.NoError(t, f.svc.ResetPassword(ctx, second, "brand-new-pass", meta))
		errutil.AssertErrorCode(t, f.svc.ValidateResetToken(ctx, first), auth.CodeTokenInvalid)
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeReset, f.alice.ID))
	})

	t.Run("expiry is exclusive", func(t *testing.T) {
		f := newServiceFixture(t)
		token := f.resetToken(t)

		f.clock.Advance(auth.DefaultResetTTL - time.Nanosecond)
		require.NoError(t, f.svc.ValidateResetToken(ctx, token))

		f.clock.Advance(time.Nanosecond)
		err := f.svc.ResetPassword(ctx, token, "brand-new-pass", meta)
		errutil.AssertErrorCode(t, err, auth.CodeTokenExpired)
		assert.True(t, auth.IsTokenRejected(err))
	})

	t.Run("short password is rejected before the token is touched", func(t *testing.T) {
		f := newServiceFixture(t)
		token := f.resetToken(t)

		err := f.svc.ResetPassword(ctx, token, "short", meta)
		errutil.AssertErrorCode(t, err, auth.CodePasswordTooShort)
		require.NoError(t, f.svc.ValidateResetToken(ctx, token))
	})

	t.Run("failed password write keeps the link usable", func(t *testing.T) {
		f := newServiceFixture(t)
		token := f.resetToken(t)
		oldHash := f.users.Get(f.alice.ID).PasswordHash

		f.users.FailWith(errors.New("db down"))
		err := f.svc.ResetPassword(ctx, token, "brand-new-pass", meta)
		assert.True(t, auth.IsStorageError(err))
		assert.Equal(t, oldHash, f.users.Get(f.alice.ID).PasswordHash)
		assert.Equal(t, 1, f.tokens.Count(auth.PurposeReset, f.alice.ID))
		assert.Empty(t, f.activity.OfType(auth.ActivityPasswordReset))

		f.users.FailWith(nil)
		require.NoError(t, f.svc.ResetPassword(ctx, token, "brand-new-pass", meta))
		_, err = f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "brand-new-pass", Role: "teacher"})
		require.NoError(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.svc.ResetPassword(ctx, "garbage", "brand-new-pass", meta)
		errutil.AssertErrorCode(t, err, auth.CodeTokenInvalid)
	})
}

func TestService_ConcurrentPasswordReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := newServiceFixture(t)
	token := f.resetToken(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes atomic.Int32
		losers    []error
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.ResetPassword(ctx, token, "brand-new-pass", meta)
			if err == nil {
				successes.Add(1)
				return
			}
			mu.Lock()
			losers = append(losers, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Len(t, f.activity.OfType(auth.ActivityPasswordReset), 1)
	for _, err := range losers {
		errutil.AssertErrorCodeIn(t, err, auth.CodeTokenInvalid, auth.CodeTokenExpired)
	}
}

func TestService_ChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("requires the current password", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, false)

		err := f.svc.ChangePassword(ctx, login.Session, "wrong", "brand-new-pass", meta)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("changes password and revokes remember tokens", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, true)

		require.NoError(t, f.svc.ChangePassword(ctx, login.Session, "s3cret-pass", "brand-new-pass", meta))
		assert.Equal(t, 0, f.tokens.Count(auth.PurposeRemember, f.alice.ID))
		assert.Len(t, f.activity.OfType(auth.ActivityPasswordChanged), 1)

		_, err := f.svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "brand-new-pass", Role: "teacher"})
		require.NoError(t, err)
	})

	t.Run("anonymous", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.svc.ChangePassword(ctx, nil, "s3cret-pass", "brand-new-pass", meta)
		errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
	})

	t.Run("too short", func(t *testing.T) {
		f := newServiceFixture(t)
		login := f.login(t, false)
		err := f.svc.ChangePassword(ctx, login.Session, "s3cret-pass", "123", meta)
		errutil.AssertErrorCode(t, err, auth.CodePasswordTooShort)
	})
}

func TestService_Authorize(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	login := f.login(t, false)

	t.Run("anonymous to login then back to the original url", func(t *testing.T) {
		d := f.svc.Authorize(ctx, nil, "/teacher/attendance?date=2026-09-01", meta)
		require.Equal(t, auth.OutcomeRedirectToLogin, d.Outcome)

		assert.Equal(t, "/teacher/attendance?date=2026-09-01", f.svc.LoginRedirect(login.Session, d.ReturnTo))
	})

	t.Run("wrong role is logged as access denied", func(t *testing.T) {
		d := f.svc.Authorize(ctx, login.Session, "/admin/users", meta)
		assert.Equal(t, auth.OutcomeRedirectToUnauthorized, d.Outcome)

		denied := f.activity.OfType(auth.ActivityAccessDenied)
		require.Len(t, denied, 1)
		assert.Equal(t, "/admin/users", denied[0].Path)
		assert.Equal(t, f.alice.ID, denied[0].UserID)
	})

	t.Run("own area", func(t *testing.T) {
		assert.True(t, f.svc.Authorize(ctx, login.Session, "/teacher/dashboard", meta).Allowed())
	})
}

func TestService_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.login(t, true)
	f.resetToken(t)

	f.clock.Advance(auth.DefaultResetTTL)
	sessions, tokens, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessions)
	assert.Equal(t, int64(1), tokens)
}
