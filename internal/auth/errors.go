// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTokenCollision is returned by a TokenRepository when the generated token
// hash already exists. The caller must generate a new token.
var ErrTokenCollision = errors.New("token collision")

// ErrStorage marks a datastore failure during a security-relevant operation.
// Repository errors keep their own oops codes, so detection goes through
// errors.Is rather than the code.
var ErrStorage = errors.New("storage failure")

// Error codes surfaced by the auth package.
const (
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeStorage            = "AUTH_STORAGE_ERROR"
	CodeUnauthorized       = "AUTH_UNAUTHORIZED"
	CodePasswordTooShort   = "AUTH_PASSWORD_TOO_SHORT"
	CodeTokenCollision     = "AUTH_TOKEN_COLLISION"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeSessionInvalid     = "SESSION_INVALID"
	CodeSessionExpired     = "SESSION_EXPIRED"
)

// ErrorCode returns the innermost oops code attached to err, or "" if there
// is none.
func ErrorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string) //nolint:errcheck // type assertion, not an error
	return code
}

// IsInvalidCredentials reports whether err is the generic login failure.
func IsInvalidCredentials(err error) bool {
	return ErrorCode(err) == CodeInvalidCredentials
}

// IsTokenRejected reports whether err means a presented token cannot be used.
// Invalid and expired tokens are deliberately indistinguishable here.
func IsTokenRejected(err error) bool {
	code := ErrorCode(err)
	return code == CodeTokenInvalid || code == CodeTokenExpired
}

// IsSessionRejected reports whether err means the presented session is unusable.
func IsSessionRejected(err error) bool {
	code := ErrorCode(err)
	return code == CodeSessionInvalid || code == CodeSessionExpired
}

// IsStorageError reports whether err is a datastore failure during a
// security-relevant operation. Callers treat the request as anonymous.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

func storageError(operation string, err error) error {
	return oops.Code(CodeStorage).With("operation", operation).Wrap(errors.Join(ErrStorage, err))
}
