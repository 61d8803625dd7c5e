// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Well-known paths used by the guard.
const (
	LoginPath        = "/login"
	UnauthorizedPath = "/unauthorized"
)

// Outcome is the result of an authorization check.
type Outcome int

// Guard outcomes.
const (
	OutcomeAllow Outcome = iota
	OutcomeRedirectToLogin
	OutcomeRedirectToUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeRedirectToLogin:
		return "redirect_login"
	case OutcomeRedirectToUnauthorized:
		return "redirect_unauthorized"
	default:
		return "unknown"
	}
}

// Decision is the guard's verdict for one request.
type Decision struct {
	Outcome Outcome
	// ReturnTo is the captured local URL when Outcome is OutcomeRedirectToLogin.
	ReturnTo string
	// Required lists the roles that would have been accepted.
	Required []Role
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Location returns the redirect target for non-allow outcomes.
func (d Decision) Location() string {
	switch d.Outcome {
	case OutcomeRedirectToLogin:
		return LoginPath
	case OutcomeRedirectToUnauthorized:
		return UnauthorizedPath
	default:
		return ""
	}
}

// RoutePolicy maps a path glob to the roles allowed to access it.
// An empty Roles list means any authenticated user.
type RoutePolicy struct {
	Pattern string
	Roles   []Role
}

// DefaultRoutePolicies returns the portal's area policies.
func DefaultRoutePolicies() []RoutePolicy {
	return []RoutePolicy{
		{Pattern: "{/admin,/admin/**}", Roles: []Role{RoleAdmin}},
		{Pattern: "{/teacher,/teacher/**}", Roles: []Role{RoleTeacher}},
		{Pattern: "{/student,/student/**}", Roles: []Role{RoleStudent}},
		{Pattern: "{/account,/account/**}"},
	}
}

var dashboards = map[Role]string{
	RoleAdmin:   "/admin/dashboard",
	RoleTeacher: "/teacher/dashboard",
	RoleStudent: "/student/dashboard",
}

// DashboardFor returns the landing page for a role.
func DashboardFor(role Role) string {
	if d, ok := dashboards[role]; ok {
		return d
	}
	return "/"
}

type compiledPolicy struct {
	pattern string
	glob    glob.Glob
	roles   []Role
}

// Guard makes route authorization decisions from the session role snapshot.
// It holds no mutable state and is safe for concurrent use.
type Guard struct {
	policies []compiledPolicy
}

// NewGuard compiles route policies. Policies are evaluated in order and the
// first match wins. Returns error if any pattern fails to compile or names
// an unknown role.
func NewGuard(policies []RoutePolicy) (*Guard, error) {
	compiled := make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		g, err := glob.Compile(p.Pattern, '/')
		if err != nil {
			return nil, oops.In("guard").
				Code("INVALID_ROUTE_PATTERN").
				With("pattern", p.Pattern).
				Wrap(err)
		}
		for _, r := range p.Roles {
			if !r.Valid() {
				return nil, oops.In("guard").
					Code("INVALID_ROUTE_ROLE").
					With("pattern", p.Pattern).
					With("role", r).
					Errorf("unknown role %q", r)
			}
		}
		compiled = append(compiled, compiledPolicy{pattern: p.Pattern, glob: g, roles: p.Roles})
	}
	return &Guard{policies: compiled}, nil
}

// NewDefaultGuard creates a guard with DefaultRoutePolicies.
//
// Panics if the default policies fail to compile (code bug).
func NewDefaultGuard() *Guard {
	g, err := NewGuard(DefaultRoutePolicies())
	if err != nil {
		panic("invalid default route policy: " + err.Error())
	}
	return g
}

// RequireAuth decides whether session may access requestedURL. With no roles
// any authenticated session is allowed; otherwise the session role must be
// one of roles. A nil session is anonymous.
func (g *Guard) RequireAuth(session *Session, requestedURL string, roles ...Role) Decision {
	if session == nil {
		d := Decision{Outcome: OutcomeRedirectToLogin, Required: roles}
		if safe, ok := SafeReturnPath(requestedURL); ok {
			d.ReturnTo = safe
		}
		return d
	}
	if len(roles) > 0 && !session.HasRole(roles...) {
		return Decision{Outcome: OutcomeRedirectToUnauthorized, Required: roles}
	}
	return Decision{Outcome: OutcomeAllow, Required: roles}
}

// Check applies the route policy for requestedURL. Paths without a matching
// policy still require authentication.
func (g *Guard) Check(session *Session, requestedURL string) Decision {
	return g.RequireAuth(session, requestedURL, g.RolesFor(requestedURL)...)
}

// RolesFor returns the roles required by the first policy matching the path
// component of requestedURL, or nil when any authenticated user is allowed.
func (g *Guard) RolesFor(requestedURL string) []Role {
	path := requestedURL
	if u, err := url.Parse(requestedURL); err == nil {
		path = u.Path
	}
	for _, p := range g.policies {
		if p.glob.Match(path) {
			return p.roles
		}
	}
	return nil
}

// ResolveLoginRedirect returns where to send a user after login: the
// captured URL when it is a safe local path, else the role dashboard.
func (g *Guard) ResolveLoginRedirect(role Role, captured string) string {
	if safe, ok := SafeReturnPath(captured); ok {
		return safe
	}
	return DashboardFor(role)
}

// SafeReturnPath reports whether raw is a local absolute path that can be
// used as a redirect target, returning its normalized form.
func SafeReturnPath(raw string) (string, bool) {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "", false
	}
	// Protocol-relative and backslash variants are treated as external by browsers.
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "", false
	}
	if strings.ContainsAny(raw, "\r\n\t") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "", false
	}
	if u.Path == LoginPath || u.Path == UnauthorizedPath {
		return "", false
	}
	return u.RequestURI(), true
}
