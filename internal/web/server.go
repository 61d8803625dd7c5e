// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

// Package web is the HTTP surface of the auth core: login, logout,
// password reset and change, session resolution and the route guard that
// protects the portal's modules.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/config"
	"github.com/schoolgate/schoolgate/internal/observability"
)

// Options configures NewRouter.
type Options struct {
	Auth   auth.Authenticator
	Render Renderer // defaults to TextRenderer
	Logger *slog.Logger
	// Metrics is optional; nil disables request metrics.
	Metrics *observability.Metrics
	// CookieSecure is one of the config.CookieSecure* modes.
	CookieSecure   string
	SessionTTL     time.Duration
	RememberTTL    time.Duration
	LoginPerMinute int
	// Protected mounts the portal modules. Every route it registers sits
	// behind the guard and can read CurrentSession.
	Protected func(r chi.Router)
	// Dashboards serves placeholder role dashboards for standalone use.
	Dashboards bool
}

// NewRouter builds the portal router. Middleware order: request id, real
// ip, recoverer, request logging, metrics, session resolution, then the
// guard on protected routes.
func NewRouter(opts Options) (http.Handler, error) {
	if opts.Auth == nil {
		return nil, errNoAuthenticator
	}
	if opts.Render == nil {
		opts.Render = TextRenderer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CookieSecure == "" {
		opts.CookieSecure = config.CookieSecureAuto
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = auth.DefaultSessionTTL
	}
	if opts.RememberTTL <= 0 {
		opts.RememberTTL = auth.DefaultRememberTTL
	}

	h := &handlers{
		auth:        opts.Auth,
		render:      opts.Render,
		jar:         cookieJar{secure: opts.CookieSecure, sessionTTL: opts.SessionTTL},
		rememberTTL: opts.RememberTTL,
		logger:      opts.Logger,
	}
	throttle := NewIPRateLimiter(opts.LoginPerMinute).Middleware(h.rateLimited)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger))
	r.Use(instrument(opts.Metrics))
	r.Use(h.resolveSession)

	r.Get("/", h.home)
	r.Get(auth.LoginPath, h.loginForm)
	r.With(throttle).Post(auth.LoginPath, h.login)
	r.Post("/logout", h.logout)
	r.Get("/forgot-password", h.forgotForm)
	r.With(throttle).Post("/forgot-password", h.forgot)
	r.Get("/reset-password", h.resetForm)
	r.With(throttle).Post("/reset-password", h.reset)
	r.Get(auth.UnauthorizedPath, h.unauthorized)

	r.Group(func(p chi.Router) {
		p.Use(h.guard)
		p.Get("/account/password", h.changeForm)
		p.Post("/account/password", h.change)
		if opts.Dashboards {
			for _, role := range auth.Roles {
				p.Get(auth.DashboardFor(role), h.dashboard)
			}
		}
		if opts.Protected != nil {
			opts.Protected(p)
		}
	})

	r.NotFound(h.guard(http.HandlerFunc(h.notFound)).ServeHTTP)
	return r, nil
}
