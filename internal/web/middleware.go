// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/observability"
	"github.com/schoolgate/schoolgate/pkg/errutil"
)

// requestLogger logs one line per request at a level matching the status.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(started).Milliseconds(),
				"client_ip", clientIP(r),
			}

			switch {
			case status >= 500:
				logger.ErrorContext(r.Context(), "request", attrs...)
			case status >= 400:
				logger.WarnContext(r.Context(), "request", attrs...)
			default:
				logger.InfoContext(r.Context(), "request", attrs...)
			}
		})
	}
}

// instrument records request counts and latency by chi route pattern, so
// path parameters do not explode label cardinality.
func instrument(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
		})
	}
}

// resolveSession identifies the caller from the session and remember
// cookies and applies the cookie changes the resolution asks for. Storage
// failures leave the caller anonymous without touching cookies.
func (h *handlers) resolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionToken := readCookie(r, SessionCookie)
		rememberToken := readCookie(r, RememberCookie)
		if sessionToken == "" && rememberToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := h.auth.Resume(r.Context(), sessionToken, rememberToken, requestMeta(r))
		if err != nil {
			errutil.LogErrorContext(r.Context(), h.logger, "session resolution failed", err,
				"request_id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(w, r)
			return
		}

		if res.ClearSession {
			h.jar.clear(w, r, SessionCookie)
		}
		if res.ClearRemember {
			h.jar.clear(w, r, RememberCookie)
		}
		switch {
		case res.SessionToken != "":
			h.jar.setSession(w, r, res.SessionToken)
		case res.Session != nil:
			// The server slid the expiry; the cookie MaxAge follows it.
			h.jar.setSession(w, r, sessionToken)
		}
		if res.RememberToken != "" {
			h.jar.setRemember(w, r, res.RememberToken, time.Now().Add(h.rememberTTL))
		}

		if res.Session != nil {
			r = r.WithContext(withSession(r.Context(), res.Session))
		}
		next.ServeHTTP(w, r)
	})
}

// guard enforces the route policy. Anonymous callers are sent to the login
// page with the requested URL captured; callers with the wrong role are
// sent to the unauthorized page.
func (h *handlers) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := h.auth.Authorize(r.Context(), CurrentSession(r.Context()), r.URL.RequestURI(), requestMeta(r))
		switch d.Outcome {
		case auth.OutcomeAllow:
			next.ServeHTTP(w, r)
		case auth.OutcomeRedirectToLogin:
			if d.ReturnTo != "" && r.Method == http.MethodGet {
				h.jar.setReturnTo(w, r, d.ReturnTo)
			}
			http.Redirect(w, r, d.Location(), http.StatusSeeOther)
		default:
			http.Redirect(w, r, d.Location(), http.StatusSeeOther)
		}
	})
}
