// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is a coarse authorization level snapshotted into a session at login.
type Role string

// Portal roles.
const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleTeacher, RoleStudent}

// Valid reports whether r is one of the portal roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	default:
		return false
	}
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", oops.Code("AUTH_INVALID_ROLE").With("role", s).Errorf("unknown role %q", s)
	}
	return r, nil
}

// Status is the account state. Only active users may authenticate.
type Status string

// Account states.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User is an identity record owned by account provisioning.
type User struct {
	ID           ulid.ULID
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Status       Status
	LastLogin    *time.Time
}

// IsActive returns true if the account may authenticate.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// UserRepository is the subset of the credential store the core reads and
// writes. Schema ownership is external.
type UserRepository interface {
	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// FindForLogin retrieves an active user whose username or email matches
	// identifier (case-insensitive) and whose role equals role.
	// Returns ErrNotFound when no such user exists.
	FindForLogin(ctx context.Context, identifier string, role Role) (*User, error)

	// GetActiveByEmail retrieves an active user by email (case-insensitive).
	GetActiveByEmail(ctx context.Context, email string) (*User, error)

	// UpdateLastLogin records a successful login.
	UpdateLastLogin(ctx context.Context, id ulid.ULID, at time.Time) error

	// UpdatePassword replaces the stored password hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error
}
