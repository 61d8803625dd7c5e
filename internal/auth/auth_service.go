// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/schoolgate/schoolgate/pkg/errutil"
)

// DefaultMinPasswordLength is the minimum length of a new password.
const DefaultMinPasswordLength = 8

// Authenticator is the surface the web layer and the portal modules use.
type Authenticator interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	Resume(ctx context.Context, sessionToken, rememberToken string, meta RequestMeta) (*Resolution, error)
	Logout(ctx context.Context, session *Session, rememberToken string, meta RequestMeta) error
	ForgotPassword(ctx context.Context, email string, meta RequestMeta) error
	ValidateResetToken(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) error
	ChangePassword(ctx context.Context, session *Session, current, newPassword string, meta RequestMeta) error
	Authorize(ctx context.Context, session *Session, requestedURL string, meta RequestMeta) Decision
	LoginRedirect(session *Session, captured string) string
}

// Config holds the lifetimes and policies of the auth service.
type Config struct {
	SessionTTL           time.Duration
	RegenerationInterval time.Duration
	RememberTTL          time.Duration
	ResetTTL             time.Duration
	MinPasswordLength    int
	// ResetBaseURL is the absolute URL of the reset form; the token is
	// appended as the "token" query parameter.
	ResetBaseURL string
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		SessionTTL:           DefaultSessionTTL,
		RegenerationInterval: DefaultRegenerationInterval,
		RememberTTL:          DefaultRememberTTL,
		ResetTTL:             DefaultResetTTL,
		MinPasswordLength:    DefaultMinPasswordLength,
		ResetBaseURL:         "http://localhost:8080/reset-password",
	}
}

// Deps are the collaborators of the service. Users, Sessions, Tokens and
// Hasher are required; the rest have defaults.
type Deps struct {
	Users    UserRepository
	Sessions SessionRepository
	Tokens   TokenRepository
	Hasher   PasswordHasher
	Activity ActivityLogger
	Notifier ResetNotifier
	Guard    *Guard
}

// LoginRequest carries the submitted login form.
type LoginRequest struct {
	Identifier string // username or email
	Password   string
	Role       string
	RememberMe bool
	Meta       RequestMeta
}

// LoginResult is a successful login.
type LoginResult struct {
	User         *User
	Session      *Session
	SessionToken string
	// RememberToken is set only when RememberMe was requested.
	RememberToken     string
	RememberExpiresAt time.Time
}

// Resolution tells the web layer who the caller is and which cookies to
// change. A nil Session means anonymous.
type Resolution struct {
	Session *Session
	// SessionToken is non-empty when the session cookie must be (re)written.
	SessionToken string
	// RememberToken is non-empty when the remember cookie must be rewritten.
	RememberToken string
	ClearSession  bool
	ClearRemember bool
}

// Service implements Authenticator.
type Service struct {
	users    UserRepository
	hasher   PasswordHasher
	sessions *SessionManager
	tokens   *TokenService
	guard    *Guard
	activity ActivityLogger
	notifier ResetNotifier
	cfg      Config
	clock    Clock
	logger   *slog.Logger

	// dummyHash is verified when no user matches so unknown accounts cost
	// the same hashing work as known ones. It hashes a random secret with
	// the configured parameters and never matches a submitted password.
	dummyHash string
}

var _ Authenticator = (*Service)(nil)

// NewService creates a new Service.
// Returns an error if a required dependency is nil.
func NewService(deps Deps, cfg Config, opts ...Option) (*Service, error) {
	if deps.Users == nil {
		return nil, oops.Errorf("user repository is required")
	}
	if deps.Hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	o := buildOptions(opts)

	def := DefaultConfig()
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = def.ResetTTL
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = def.MinPasswordLength
	}
	if cfg.ResetBaseURL == "" {
		cfg.ResetBaseURL = def.ResetBaseURL
	}

	sessions, err := NewSessionManager(deps.Sessions, cfg.SessionTTL, cfg.RegenerationInterval, opts...)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenService(deps.Tokens, cfg.RememberTTL, opts...)
	if err != nil {
		return nil, err
	}
	cfg.SessionTTL = sessions.ttl
	cfg.RegenerationInterval = sessions.regenerationInterval
	cfg.RememberTTL = tokens.rememberTTL

	guard := deps.Guard
	if guard == nil {
		guard = NewDefaultGuard()
	}
	activity := deps.Activity
	if activity == nil {
		activity = NewSlogActivityLogger(o.logger)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogResetNotifier(o.logger)
	}

	secret, _, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	dummyHash, err := deps.Hasher.Hash(secret)
	if err != nil {
		return nil, oops.Code("AUTH_HASH_FAILED").With("operation", "hash dummy password").Wrap(err)
	}

	return &Service{
		users:    deps.Users,
		hasher:   deps.Hasher,
		sessions: sessions,
		tokens:   tokens,
		guard:    guard,
		activity: activity,
		notifier: notifier,
		cfg:      cfg,
		clock:    o.clock,
		logger:   o.logger,

		dummyHash: dummyHash,
	}, nil
}

// Sessions returns the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Tokens returns the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Guard returns the route guard.
func (s *Service) Guard() *Guard { return s.guard }

// Config returns the effective configuration with defaults applied.
func (s *Service) Config() Config { return s.cfg }

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid credentials")
}

// Login authenticates a user for the selected role and creates a session.
//
// Unknown identifier, wrong password, wrong role and inactive account all
// return the same AUTH_INVALID_CREDENTIALS error after the same amount of
// hashing work.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	identifier := strings.TrimSpace(req.Identifier)
	role, roleErr := ParseRole(req.Role)

	var user *User
	if roleErr == nil && identifier != "" {
		found, err := s.users.FindForLogin(ctx, identifier, role)
		switch {
		case err == nil:
			user = found
		case errors.Is(err, ErrNotFound):
		default:
			recordLogin(role, ResultError)
			return nil, storageError("find user for login", err)
		}
	}

	// Always verify password (constant-time operation for timing attack prevention)
	targetHash := s.dummyHash
	if user != nil {
		targetHash = user.PasswordHash
	}
	valid, verifyErr := s.hasher.Verify(req.Password, targetHash)
	if verifyErr != nil && user != nil {
		errutil.LogError(s.logger, "stored password hash is unusable", verifyErr,
			"user_id", user.ID.String())
	}

	if user == nil || !valid || verifyErr != nil || req.Password == "" || !user.IsActive() {
		event := ActivityEvent{
			Type:      ActivityLoginFailed,
			Role:      role,
			IPAddress: req.Meta.IPAddress,
			UserAgent: req.Meta.UserAgent,
			At:        s.clock(),
		}
		if user != nil {
			event.UserID = user.ID
		}
		s.activity.Record(ctx, event)
		recordLogin(role, ResultFailure)
		return nil, invalidCredentials()
	}

	session, token, err := s.sessions.Create(ctx, user, req.Meta)
	if err != nil {
		recordLogin(role, ResultError)
		return nil, err
	}

	now := s.clock()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		// Best effort, login succeeds regardless
		errutil.LogError(s.logger, "failed to update last login", err, "user_id", user.ID.String())
	} else {
		user.LastLogin = &now
	}

	s.upgradeHash(ctx, user, req.Password)

	result := &LoginResult{User: user, Session: session, SessionToken: token}

	if req.RememberMe {
		remember, record, err := s.tokens.Issue(ctx, user.ID, PurposeRemember, s.cfg.RememberTTL)
		if err != nil {
			if destroyErr := s.sessions.Destroy(ctx, session); destroyErr != nil {
				errutil.LogError(s.logger, "failed to destroy session after remember token failure", destroyErr,
					"session_id", session.ID.String())
			}
			recordLogin(role, ResultError)
			return nil, err
		}
		result.RememberToken = remember
		result.RememberExpiresAt = record.ExpiresAt
	}

	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityLogin,
		UserID:    user.ID,
		Role:      user.Role,
		IPAddress: req.Meta.IPAddress,
		UserAgent: req.Meta.UserAgent,
		At:        now,
	})
	recordLogin(role, ResultSuccess)
	return result, nil
}

// upgradeHash re-hashes the password when the stored hash uses a legacy
// algorithm or weaker parameters. Failures are logged and ignored.
func (s *Service) upgradeHash(ctx context.Context, user *User, password string) {
	if !s.hasher.NeedsUpgrade(user.PasswordHash) {
		return
	}
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		errutil.LogError(s.logger, "failed to re-hash password", err, "user_id", user.ID.String())
		return
	}
	if err := s.users.UpdatePassword(ctx, user.ID, newHash); err != nil {
		errutil.LogError(s.logger, "failed to store upgraded password hash", err, "user_id", user.ID.String())
		return
	}
	user.PasswordHash = newHash
	s.logger.InfoContext(ctx, "password hash upgraded", "user_id", user.ID.String())
}

// Resume resolves the caller of a request from its cookies.
//
// A valid session wins. Otherwise a remember-me token is redeemed (and
// rotated) and a fresh session is created. Storage failures return an error
// and leave cookies untouched; the caller treats the request as anonymous.
func (s *Service) Resume(ctx context.Context, sessionToken, rememberToken string, meta RequestMeta) (*Resolution, error) {
	res := &Resolution{}

	if sessionToken != "" {
		session, rotated, err := s.sessions.Validate(ctx, sessionToken)
		if err == nil {
			res.Session = session
			res.SessionToken = rotated
			return res, nil
		}
		if !IsSessionRejected(err) {
			return res, err
		}
		res.ClearSession = true
	}

	if rememberToken == "" {
		return res, nil
	}

	userID, next, err := s.tokens.Redeem(ctx, rememberToken, PurposeRemember)
	if err != nil {
		if !IsTokenRejected(err) {
			return res, err
		}
		res.ClearRemember = true
		s.activity.Record(ctx, ActivityEvent{
			Type:      ActivityTokenRejected,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Reason:    ErrorCode(err),
			At:        s.clock(),
		})
		return res, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return res, storageError("get user", err)
	}
	if user == nil || !user.IsActive() {
		// The rotated token must not outlive the account.
		if revokeErr := s.tokens.RevokeAll(ctx, userID, PurposeRemember); revokeErr != nil {
			errutil.LogError(s.logger, "failed to revoke remember tokens of inactive user", revokeErr,
				"user_id", userID.String())
		}
		res.ClearRemember = true
		s.activity.Record(ctx, ActivityEvent{
			Type:      ActivityTokenRejected,
			UserID:    userID,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Reason:    "user inactive",
			At:        s.clock(),
		})
		return res, nil
	}

	session, token, err := s.sessions.Create(ctx, user, meta)
	if err != nil {
		return res, err
	}

	now := s.clock()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		errutil.LogError(s.logger, "failed to update last login", err, "user_id", user.ID.String())
	}

	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityRememberLogin,
		UserID:    user.ID,
		Role:      user.Role,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		At:        now,
	})

	res.Session = session
	res.SessionToken = token
	res.RememberToken = next
	res.ClearSession = false
	return res, nil
}

// Logout destroys the session and revokes the user's remember-me tokens when
// the request carried one. The web layer clears cookies regardless of the
// returned error.
func (s *Service) Logout(ctx context.Context, session *Session, rememberToken string, meta RequestMeta) error {
	var userID ulid.ULID
	if session != nil {
		userID = session.UserID
		if err := s.sessions.Destroy(ctx, session); err != nil {
			return err
		}
	}

	if rememberToken != "" {
		if session == nil {
			owner, err := s.tokens.Owner(ctx, rememberToken, PurposeRemember)
			switch {
			case err == nil:
				userID = owner
			case IsTokenRejected(err):
			default:
				return err
			}
		}
		if userID.Compare(ulid.ULID{}) != 0 {
			if err := s.tokens.RevokeAll(ctx, userID, PurposeRemember); err != nil {
				return err
			}
		}
	}

	if session == nil && userID.Compare(ulid.ULID{}) == 0 {
		return nil
	}

	event := ActivityEvent{
		Type:      ActivityLogout,
		UserID:    userID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		At:        s.clock(),
	}
	if session != nil {
		event.Role = session.Role
	}
	s.activity.Record(ctx, event)
	return nil
}

// ForgotPassword starts a password reset. The outcome is never revealed to
// the caller: unknown emails, inactive accounts and storage failures all
// return nil like a successful request.
func (s *Service) ForgotPassword(ctx context.Context, email string, meta RequestMeta) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}

	user, err := s.users.GetActiveByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.logger.DebugContext(ctx, "password reset requested for unknown email")
		return nil
	}
	if err != nil {
		errutil.LogError(s.logger, "password reset lookup failed", err)
		return nil
	}

	token, record, err := s.tokens.Issue(ctx, user.ID, PurposeReset, s.cfg.ResetTTL)
	if err != nil {
		errutil.LogError(s.logger, "failed to issue reset token", err, "user_id", user.ID.String())
		return nil
	}

	if err := s.notifier.SendResetLink(ctx, user, s.resetLink(token), record.ExpiresAt); err != nil {
		errutil.LogError(s.logger, "failed to deliver reset link", err, "user_id", user.ID.String())
	}

	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityPasswordResetRequested,
		UserID:    user.ID,
		Role:      user.Role,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		At:        s.clock(),
	})
	return nil
}

func (s *Service) resetLink(token string) string {
	sep := "?"
	if strings.Contains(s.cfg.ResetBaseURL, "?") {
		sep = "&"
	}
	return s.cfg.ResetBaseURL + sep + "token=" + url.QueryEscape(token)
}

// ValidateResetToken checks a reset token without consuming it.
func (s *Service) ValidateResetToken(ctx context.Context, token string) error {
	_, err := s.tokens.Owner(ctx, token, PurposeReset)
	return err
}

func (s *Service) checkPasswordLength(password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return oops.Code(CodePasswordTooShort).
			With("min_length", s.cfg.MinPasswordLength).
			Errorf("password must be at least %d characters", s.cfg.MinPasswordLength)
	}
	return nil
}

// ResetPassword sets a new password using a reset token. The token is
// consumed atomically so concurrent submissions of the same link succeed at
// most once. On success every reset token, remember-me token and session of
// the user is revoked.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	if err := s.checkPasswordLength(newPassword); err != nil {
		return err
	}

	userID, _, err := s.tokens.Redeem(ctx, token, PurposeReset)
	if err != nil {
		s.recordTokenRejected(ctx, err, meta)
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}

	// Consuming the token and storing the hash is one unit: a failure leaves
	// the link usable and the old password in place.
	userID, err = s.tokens.ConsumeReset(ctx, token, hash)
	if err != nil {
		s.recordTokenRejected(ctx, err, meta)
		return err
	}

	// The password is already changed; cleanup failures are logged.
	if err := s.tokens.RevokeAll(ctx, userID, PurposeReset); err != nil {
		errutil.LogError(s.logger, "failed to revoke reset tokens", err, "user_id", userID.String())
	}
	if err := s.tokens.RevokeAll(ctx, userID, PurposeRemember); err != nil {
		errutil.LogError(s.logger, "failed to revoke remember tokens", err, "user_id", userID.String())
	}
	if err := s.sessions.DestroyAllForUser(ctx, userID); err != nil {
		errutil.LogError(s.logger, "failed to destroy sessions", err, "user_id", userID.String())
	}

	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityPasswordReset,
		UserID:    userID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		At:        s.clock(),
	})
	return nil
}

func (s *Service) recordTokenRejected(ctx context.Context, err error, meta RequestMeta) {
	if !IsTokenRejected(err) {
		return
	}
	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityTokenRejected,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Reason:    ErrorCode(err),
		At:        s.clock(),
	})
}

// ChangePassword replaces the password of the session's user after
// re-verifying the current one. Remember-me tokens are revoked; the current
// session stays valid.
func (s *Service) ChangePassword(ctx context.Context, session *Session, current, newPassword string, meta RequestMeta) error {
	if session == nil {
		return oops.Code(CodeSessionInvalid).Errorf("not authenticated")
	}
	if err := s.checkPasswordLength(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if errors.Is(err, ErrNotFound) {
		return oops.Code(CodeSessionInvalid).Errorf("user not found")
	}
	if err != nil {
		return storageError("get user", err)
	}

	valid, err := s.hasher.Verify(current, user.PasswordHash)
	if err != nil || !valid {
		return invalidCredentials()
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return storageError("update password", err)
	}
	if err := s.tokens.RevokeAll(ctx, user.ID, PurposeRemember); err != nil {
		return err
	}

	s.activity.Record(ctx, ActivityEvent{
		Type:      ActivityPasswordChanged,
		UserID:    user.ID,
		Role:      session.Role,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		At:        s.clock(),
	})
	return nil
}

// Authorize applies the route policy and records denied access.
func (s *Service) Authorize(ctx context.Context, session *Session, requestedURL string, meta RequestMeta) Decision {
	d := s.guard.Check(session, requestedURL)
	recordDecision(d.Outcome)
	if d.Outcome == OutcomeRedirectToUnauthorized {
		s.activity.Record(ctx, ActivityEvent{
			Type:      ActivityAccessDenied,
			UserID:    session.UserID,
			Role:      session.Role,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Path:      requestedURL,
			At:        s.clock(),
		})
	}
	return d
}

// LoginRedirect returns the post-login destination for session.
func (s *Service) LoginRedirect(session *Session, captured string) string {
	var role Role
	if session != nil {
		role = session.Role
	}
	return s.guard.ResolveLoginRedirect(role, captured)
}

// PurgeExpired deletes expired sessions and tokens. Returns the number of
// deleted sessions and tokens.
func (s *Service) PurgeExpired(ctx context.Context) (sessions, tokens int64, err error) {
	sessions, err = s.sessions.PurgeExpired(ctx)
	if err != nil {
		return 0, 0, err
	}
	tokens, err = s.tokens.PurgeExpired(ctx)
	if err != nil {
		return sessions, 0, err
	}
	return sessions, tokens, nil
}
