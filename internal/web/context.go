// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"context"
	"net"
	"net/http"

	"github.com/schoolgate/schoolgate/internal/auth"
)

type ctxKey int

const sessionKey ctxKey = iota

// CurrentSession returns the session resolved for the request, or nil for
// an anonymous caller. Handlers mounted behind the guard always see a
// non-nil session.
func CurrentSession(ctx context.Context) *auth.Session {
	s, _ := ctx.Value(sessionKey).(*auth.Session) //nolint:errcheck // type assertion
	return s
}

func withSession(ctx context.Context, s *auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// requestMeta extracts the client details recorded with sessions and
// activity events. RemoteAddr has already been rewritten by RealIP.
func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
