// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

// Package auth provides authentication, session and authorization primitives
// for the SchoolGate portal.
//
// # Domain Types
//
// Domain types (Session, Token) should be created using their constructors:
//   - NewSession - creates a Session with validated user, role and expiry
//   - NewToken - creates a Token with validated owner, purpose and expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
// Users are provisioned elsewhere; this package only reads them and updates
// last_login and password_hash.
//
// # Services
//
// Service types coordinate domain operations:
//   - SessionManager - session creation, sliding expiry, id rotation, destruction
//   - TokenService - remember-me and password-reset token issue, redemption, revocation
//   - Guard - route policy and post-login redirects
//   - Service - login, remember-me resume, logout, password reset and change
//
// Service is the single entry point used by the web layer; it implements
// Authenticator and owns the other services. All constructors validate their
// dependencies and return an error when a required one is missing.
//
// # Credentials
//
// Session ids, remember-me tokens and reset tokens are 32 random bytes,
// hex encoded. Only their SHA-256 hashes are persisted. Expiry is exclusive:
// a credential presented at exactly its expiry instant is rejected.
package auth
