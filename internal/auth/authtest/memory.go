// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

// Package authtest provides in-memory repositories and recorders for testing
// code built on the auth package. The repositories honour the same atomicity
// guarantees as the PostgreSQL implementations.
package authtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/schoolgate/schoolgate/internal/auth"
)

// faults lets tests force every repository call to fail.
type faults struct {
	mu  sync.Mutex
	err error
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (f *faults) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *faults) fault() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Users is an in-memory auth.UserRepository.
type Users struct {
	faults
	mu    sync.RWMutex
	users map[ulid.ULID]*auth.User
}

var _ auth.UserRepository = (*Users)(nil)

// NewUsers creates an empty user store.
func NewUsers() *Users {
	return &Users{users: make(map[ulid.ULID]*auth.User)}
}

// Add stores a copy of user, assigning an ID if it has none.
func (r *Users) Add(user *auth.User) *auth.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID.Compare(ulid.ULID{}) == 0 {
		user.ID = auth.NewID()
	}
	cp := *user
	r.users[user.ID] = &cp
	return user
}

// SetStatus changes a user's account status.
func (r *Users) SetStatus(id ulid.ULID, status auth.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.Status = status
	}
}

// Get returns a copy of the stored user, or nil.
func (r *Users) Get(id ulid.ULID) *auth.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (r *Users) isActive(id ulid.ULID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return ok && u.IsActive()
}

// GetByID implements auth.UserRepository.
func (r *Users) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	if err := r.fault(); err != nil {
		return nil, err
	}
	if u := r.Get(id); u != nil {
		return u, nil
	}
	return nil, auth.ErrNotFound
}

// FindForLogin implements auth.UserRepository.
func (r *Users) FindForLogin(_ context.Context, identifier string, role auth.Role) (*auth.User, error) {
	if err := r.fault(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		matches := strings.EqualFold(u.Username, identifier) || strings.EqualFold(u.Email, identifier)
		if matches && u.Role == role && u.IsActive() {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

// GetActiveByEmail implements auth.UserRepository.
func (r *Users) GetActiveByEmail(_ context.Context, email string) (*auth.User, error) {
	if err := r.fault(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) && u.IsActive() {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

// UpdateLastLogin implements auth.UserRepository.
func (r *Users) UpdateLastLogin(_ context.Context, id ulid.ULID, at time.Time) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.LastLogin = &at
	return nil
}

// UpdatePassword implements auth.UserRepository.
func (r *Users) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (r *Users) setPassword(id ulid.ULID, passwordHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if ok {
		u.PasswordHash = passwordHash
	}
	return ok
}

// Sessions is an in-memory auth.SessionRepository. When constructed with a
// Users store, lookups hide sessions of inactive users like the SQL join does.
type Sessions struct {
	faults
	mu       sync.Mutex
	users    *Users
	sessions map[ulid.ULID]*auth.Session
}

var _ auth.SessionRepository = (*Sessions)(nil)

// NewSessions creates an empty session store. users may be nil.
func NewSessions(users *Users) *Sessions {
	return &Sessions{users: users, sessions: make(map[ulid.ULID]*auth.Session)}
}

// Len returns the number of stored sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Create implements auth.SessionRepository.
func (r *Sessions) Create(_ context.Context, session *auth.Session) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.TokenHash == session.TokenHash {
			return auth.ErrTokenCollision
		}
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

// GetByTokenHash implements auth.SessionRepository.
func (r *Sessions) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	if err := r.fault(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var found *auth.Session
	for _, s := range r.sessions {
		if s.TokenHash == tokenHash {
			cp := *s
			found = &cp
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return nil, auth.ErrNotFound
	}
	if r.users != nil && !r.users.isActive(found.UserID) {
		return nil, auth.ErrNotFound
	}
	return found, nil
}

// Touch implements auth.SessionRepository.
func (r *Sessions) Touch(_ context.Context, id ulid.ULID, lastSeen, expiresAt time.Time) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	s.LastSeenAt = lastSeen
	s.ExpiresAt = expiresAt
	return nil
}

// Rotate implements auth.SessionRepository.
func (r *Sessions) Rotate(_ context.Context, id ulid.ULID, oldHash, newHash string, at, expiresAt time.Time) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.TokenHash != oldHash {
		return auth.ErrNotFound
	}
	for _, other := range r.sessions {
		if other.TokenHash == newHash {
			return auth.ErrTokenCollision
		}
	}
	s.TokenHash = newHash
	s.LastRegeneratedAt = at
	s.LastSeenAt = at
	s.ExpiresAt = expiresAt
	return nil
}

// Delete implements auth.SessionRepository.
func (r *Sessions) Delete(_ context.Context, id ulid.ULID) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

// DeleteByUser implements auth.SessionRepository.
func (r *Sessions) DeleteByUser(_ context.Context, userID ulid.ULID) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

// DeleteExpired implements auth.SessionRepository.
func (r *Sessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	if err := r.fault(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.IsExpiredAt(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type tokenKey struct {
	purpose auth.TokenPurpose
	hash    string
}

// Tokens is an in-memory auth.TokenRepository. Rotate and Consume hold a
// single lock for their whole read-delete-insert, so concurrent callers see
// the same one-winner behaviour as the SQL statements. ConsumeReset writes
// the password into the Users store it was constructed with.
type Tokens struct {
	faults
	mu     sync.Mutex
	users  *Users
	tokens map[tokenKey]*auth.Token
}

var _ auth.TokenRepository = (*Tokens)(nil)

// errNoUserStore is returned by ConsumeReset on a store built without users.
var errNoUserStore = errors.New("authtest: token store has no user store")

// NewTokens creates an empty token store. users may be nil when the test
// never resets a password.
func NewTokens(users *Users) *Tokens {
	return &Tokens{users: users, tokens: make(map[tokenKey]*auth.Token)}
}

// Count returns the number of stored tokens of purpose owned by userID.
func (r *Tokens) Count(purpose auth.TokenPurpose, userID ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, t := range r.tokens {
		if k.purpose == purpose && t.UserID == userID {
			n++
		}
	}
	return n
}

// Create implements auth.TokenRepository.
func (r *Tokens) Create(_ context.Context, token *auth.Token) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tokenKey{token.Purpose, token.TokenHash}
	if _, exists := r.tokens[key]; exists {
		return auth.ErrTokenCollision
	}
	cp := *token
	r.tokens[key] = &cp
	return nil
}

// GetByHash implements auth.TokenRepository.
func (r *Tokens) GetByHash(_ context.Context, purpose auth.TokenPurpose, tokenHash string) (*auth.Token, error) {
	if err := r.fault(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenKey{purpose, tokenHash}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Rotate implements auth.TokenRepository.
func (r *Tokens) Rotate(_ context.Context, purpose auth.TokenPurpose, oldHash string, now time.Time, replacement *auth.Token) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oldKey := tokenKey{purpose, oldHash}
	old, ok := r.tokens[oldKey]
	if !ok || old.IsExpiredAt(now) {
		return auth.ErrNotFound
	}
	newKey := tokenKey{purpose, replacement.TokenHash}
	if _, exists := r.tokens[newKey]; exists {
		return auth.ErrTokenCollision
	}
	delete(r.tokens, oldKey)
	replacement.UserID = old.UserID
	cp := *replacement
	r.tokens[newKey] = &cp
	return nil
}

// Consume implements auth.TokenRepository.
func (r *Tokens) Consume(_ context.Context, purpose auth.TokenPurpose, tokenHash string, now time.Time) (ulid.ULID, error) {
	if err := r.fault(); err != nil {
		return ulid.ULID{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tokenKey{purpose, tokenHash}
	t, ok := r.tokens[key]
	if !ok || t.IsExpiredAt(now) {
		return ulid.ULID{}, auth.ErrNotFound
	}
	delete(r.tokens, key)
	return t.UserID, nil
}

// ConsumeReset implements auth.TokenRepository. A failing Users store
// leaves the token in place, like the rolled-back SQL statement.
func (r *Tokens) ConsumeReset(_ context.Context, tokenHash string, now time.Time, passwordHash string) (ulid.ULID, error) {
	if err := r.fault(); err != nil {
		return ulid.ULID{}, err
	}
	if r.users == nil {
		return ulid.ULID{}, errNoUserStore
	}
	if err := r.users.fault(); err != nil {
		return ulid.ULID{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tokenKey{auth.PurposeReset, tokenHash}
	t, ok := r.tokens[key]
	if !ok || t.IsExpiredAt(now) {
		return ulid.ULID{}, auth.ErrNotFound
	}
	delete(r.tokens, key)
	if !r.users.setPassword(t.UserID, passwordHash) {
		return ulid.ULID{}, auth.ErrNotFound
	}
	return t.UserID, nil
}

// DeleteByUser implements auth.TokenRepository.
func (r *Tokens) DeleteByUser(_ context.Context, purpose auth.TokenPurpose, userID ulid.ULID) error {
	if err := r.fault(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.tokens {
		if k.purpose == purpose && t.UserID == userID {
			delete(r.tokens, k)
		}
	}
	return nil
}

// DeleteExpired implements auth.TokenRepository.
func (r *Tokens) DeleteExpired(_ context.Context, purpose auth.TokenPurpose, now time.Time) (int64, error) {
	if err := r.fault(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, t := range r.tokens {
		if k.purpose == purpose && t.IsExpiredAt(now) {
			delete(r.tokens, k)
			n++
		}
	}
	return n, nil
}
