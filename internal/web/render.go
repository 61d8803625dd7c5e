// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// View names rendered by the auth handlers.
const (
	ViewLogin          = "login"
	ViewForgotPassword = "forgot_password"
	ViewResetPassword  = "reset_password"
	ViewChangePassword = "change_password"
	ViewUnauthorized   = "unauthorized"
	ViewDashboard      = "dashboard"
	ViewError          = "error"
)

// View is what a page needs to render. Error and Message are user-facing
// and never reveal which credential check failed.
type View struct {
	Name    string
	Error   string
	Message string
	Data    map[string]string
}

// Renderer turns a View into a response. The portal supplies an HTML
// implementation; TextRenderer is the built-in fallback.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request, status int, v View)
}

// TextRenderer writes a View as plain text lines.
type TextRenderer struct{}

// Render implements Renderer.
func (TextRenderer) Render(w http.ResponseWriter, _ *http.Request, status int, v View) {
	var b strings.Builder
	fmt.Fprintf(&b, "view: %s\n", v.Name)
	if v.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", v.Error)
	}
	if v.Message != "" {
		fmt.Fprintf(&b, "message: %s\n", v.Message)
	}
	for _, k := range slices.Sorted(maps.Keys(v.Data)) {
		fmt.Fprintf(&b, "%s: %s\n", k, v.Data[k])
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	w.Write([]byte(b.String()))
}
