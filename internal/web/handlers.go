// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/pkg/errutil"
)

// User-facing messages. Login failures share one message whatever the cause.
const (
	msgInvalidLogin     = "Invalid username, password or role."
	msgUnavailable      = "The service is temporarily unavailable. Please try again."
	msgResetSent        = "If that address belongs to an active account, a reset link is on its way."
	msgResetInvalid     = "This reset link is invalid or has expired."
	msgResetDone        = "Your password has been reset. Please sign in."
	msgPasswordMismatch = "The new passwords do not match."
	msgPasswordTooShort = "The new password is too short."
	msgWrongPassword    = "The current password is incorrect."
	msgPasswordChanged  = "Your password has been changed."
	msgUnauthorized     = "You do not have access to that page."
)

type handlers struct {
	auth        auth.Authenticator
	render      Renderer
	jar         cookieJar
	rememberTTL time.Duration
	logger      *slog.Logger
}

func (h *handlers) home(w http.ResponseWriter, r *http.Request) {
	session := CurrentSession(r.Context())
	if session == nil {
		http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, auth.DashboardFor(session.Role), http.StatusSeeOther)
}

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	if session := CurrentSession(r.Context()); session != nil {
		http.Redirect(w, r, h.auth.LoginRedirect(session, ""), http.StatusSeeOther)
		return
	}
	v := View{Name: ViewLogin}
	if r.URL.Query().Get("reset") == "1" {
		v.Message = msgResetDone
	}
	h.render.Render(w, r, http.StatusOK, v)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewLogin, Error: msgInvalidLogin})
		return
	}
	identifier := r.PostForm.Get("username")

	result, err := h.auth.Login(r.Context(), auth.LoginRequest{
		Identifier: identifier,
		Password:   r.PostForm.Get("password"),
		Role:       r.PostForm.Get("role"),
		RememberMe: isChecked(r.PostForm.Get("remember")),
		Meta:       requestMeta(r),
	})
	if err != nil {
		view := View{Name: ViewLogin, Data: map[string]string{"username": identifier}}
		if auth.IsInvalidCredentials(err) {
			view.Error = msgInvalidLogin
			h.render.Render(w, r, http.StatusUnauthorized, view)
			return
		}
		errutil.LogErrorContext(r.Context(), h.logger, "login failed", err)
		view.Error = msgUnavailable
		h.render.Render(w, r, http.StatusServiceUnavailable, view)
		return
	}

	h.jar.setSession(w, r, result.SessionToken)
	if result.RememberToken != "" {
		h.jar.setRemember(w, r, result.RememberToken, result.RememberExpiresAt)
	}

	captured := readCookie(r, ReturnToCookie)
	if captured != "" {
		h.jar.clear(w, r, ReturnToCookie)
	}
	http.Redirect(w, r, h.auth.LoginRedirect(result.Session, captured), http.StatusSeeOther)
}

// logout always clears the cookies, even when revocation fails.
func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	err := h.auth.Logout(r.Context(), CurrentSession(r.Context()), readCookie(r, RememberCookie), requestMeta(r))
	if err != nil {
		errutil.LogErrorContext(r.Context(), h.logger, "logout failed", err)
	}

	h.jar.clear(w, r, SessionCookie)
	h.jar.clear(w, r, RememberCookie)
	http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
}

func (h *handlers) forgotForm(w http.ResponseWriter, r *http.Request) {
	h.render.Render(w, r, http.StatusOK, View{Name: ViewForgotPassword})
}

// forgot answers identically whether or not the address is known.
func (h *handlers) forgot(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		if err := h.auth.ForgotPassword(r.Context(), r.PostForm.Get("email"), requestMeta(r)); err != nil {
			errutil.LogErrorContext(r.Context(), h.logger, "forgot password failed", err)
		}
	}
	h.render.Render(w, r, http.StatusOK, View{Name: ViewForgotPassword, Message: msgResetSent})
}

func (h *handlers) resetForm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := h.auth.ValidateResetToken(r.Context(), token); err != nil {
		h.renderResetError(w, r, err, "")
		return
	}
	h.render.Render(w, r, http.StatusOK, View{Name: ViewResetPassword, Data: map[string]string{"token": token}})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewResetPassword, Error: msgResetInvalid})
		return
	}
	token := r.PostForm.Get("token")
	password := r.PostForm.Get("password")

	if password != r.PostForm.Get("password_confirm") {
		h.render.Render(w, r, http.StatusBadRequest, View{
			Name:  ViewResetPassword,
			Error: msgPasswordMismatch,
			Data:  map[string]string{"token": token},
		})
		return
	}

	if err := h.auth.ResetPassword(r.Context(), token, password, requestMeta(r)); err != nil {
		h.renderResetError(w, r, err, token)
		return
	}

	// Every session of the user is gone, including this browser's.
	h.jar.clear(w, r, SessionCookie)
	h.jar.clear(w, r, RememberCookie)
	http.Redirect(w, r, auth.LoginPath+"?reset=1", http.StatusSeeOther)
}

func (h *handlers) renderResetError(w http.ResponseWriter, r *http.Request, err error, token string) {
	view := View{Name: ViewResetPassword}
	switch {
	case auth.IsTokenRejected(err):
		view.Error = msgResetInvalid
		h.render.Render(w, r, http.StatusBadRequest, view)
	case auth.ErrorCode(err) == auth.CodePasswordTooShort:
		view.Error = msgPasswordTooShort
		view.Data = map[string]string{"token": token}
		h.render.Render(w, r, http.StatusBadRequest, view)
	default:
		errutil.LogErrorContext(r.Context(), h.logger, "password reset failed", err)
		view.Error = msgUnavailable
		h.render.Render(w, r, http.StatusServiceUnavailable, view)
	}
}

func (h *handlers) changeForm(w http.ResponseWriter, r *http.Request) {
	h.render.Render(w, r, http.StatusOK, View{Name: ViewChangePassword})
}

func (h *handlers) change(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewChangePassword, Error: msgWrongPassword})
		return
	}
	newPassword := r.PostForm.Get("new_password")
	if newPassword != r.PostForm.Get("new_password_confirm") {
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewChangePassword, Error: msgPasswordMismatch})
		return
	}

	err := h.auth.ChangePassword(r.Context(), CurrentSession(r.Context()),
		r.PostForm.Get("current_password"), newPassword, requestMeta(r))
	switch {
	case err == nil:
		// Remember-me tokens were revoked with the old password.
		h.jar.clear(w, r, RememberCookie)
		h.render.Render(w, r, http.StatusOK, View{Name: ViewChangePassword, Message: msgPasswordChanged})
	case auth.IsInvalidCredentials(err):
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewChangePassword, Error: msgWrongPassword})
	case auth.ErrorCode(err) == auth.CodePasswordTooShort:
		h.render.Render(w, r, http.StatusBadRequest, View{Name: ViewChangePassword, Error: msgPasswordTooShort})
	case auth.IsSessionRejected(err):
		http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
	default:
		errutil.LogErrorContext(r.Context(), h.logger, "password change failed", err)
		h.render.Render(w, r, http.StatusServiceUnavailable, View{Name: ViewChangePassword, Error: msgUnavailable})
	}
}

func (h *handlers) unauthorized(w http.ResponseWriter, r *http.Request) {
	h.render.Render(w, r, http.StatusForbidden, View{Name: ViewUnauthorized, Error: msgUnauthorized})
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	session := CurrentSession(r.Context())
	h.render.Render(w, r, http.StatusOK, View{
		Name: ViewDashboard,
		Data: map[string]string{"role": string(session.Role), "user_id": session.UserID.String()},
	})
}

// notFound runs behind the guard, so unknown paths still demand a login.
func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	h.render.Render(w, r, http.StatusNotFound, View{Name: ViewError, Error: "Page not found."})
}

func (h *handlers) rateLimited(r *http.Request) {
	h.logger.WarnContext(r.Context(), "rate limit exceeded",
		"path", r.URL.Path,
		"client_ip", clientIP(r))
}

func isChecked(v string) bool {
	switch v {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}

var errNoAuthenticator = oops.Code("WEB_CONFIG_INVALID").Errorf("authenticator is required")
