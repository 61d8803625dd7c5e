// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/config"
)

// Cookie names.
const (
	SessionCookie  = "sg_session"
	RememberCookie = "sg_remember"
	ReturnToCookie = "sg_return_to"
)

const returnToMaxAge = 10 * time.Minute

// cookieJar writes the auth cookies. Every cookie is HttpOnly, SameSite=Lax
// and scoped to the whole site.
type cookieJar struct {
	secure     string // config.CookieSecure*
	sessionTTL time.Duration
}

func (j cookieJar) isSecure(r *http.Request) bool {
	switch j.secure {
	case config.CookieSecureAlways:
		return true
	case config.CookieSecureNever:
		return false
	default:
		return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
}

func (j cookieJar) cookie(r *http.Request, name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   j.isSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// setSession writes the session cookie with a MaxAge of one session TTL.
// It is rewritten on every request that rotates or slides the session.
func (j cookieJar) setSession(w http.ResponseWriter, r *http.Request, token string) {
	c := j.cookie(r, SessionCookie, token)
	if j.sessionTTL > 0 {
		c.MaxAge = int(j.sessionTTL.Seconds())
	}
	http.SetCookie(w, c)
}

func (j cookieJar) setRemember(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	c := j.cookie(r, RememberCookie, token)
	c.Expires = expiresAt
	if maxAge := int(time.Until(expiresAt).Seconds()); maxAge > 0 {
		c.MaxAge = maxAge
	}
	http.SetCookie(w, c)
}

// setReturnTo captures a local path for the post-login redirect.
func (j cookieJar) setReturnTo(w http.ResponseWriter, r *http.Request, path string) {
	if _, ok := auth.SafeReturnPath(path); !ok {
		return
	}
	c := j.cookie(r, ReturnToCookie, path)
	c.MaxAge = int(returnToMaxAge.Seconds())
	http.SetCookie(w, c)
}

func (j cookieJar) clear(w http.ResponseWriter, r *http.Request, name string) {
	c := j.cookie(r, name, "")
	c.MaxAge = -1
	c.Expires = time.Unix(1, 0)
	http.SetCookie(w, c)
}

func readCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
