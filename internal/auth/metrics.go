// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values for auth metrics.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultInvalid  = "invalid"
	ResultExpired  = "expired"
	ResultRaceLost = "race_lost"
	ResultError    = "error"
)

// LoginAttempts counts password logins by result.
// Use RegisterMetrics to register this with a Prometheus registry.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "schoolgate_login_attempts_total",
		Help: "Total number of password login attempts",
	},
	[]string{"role", "result"},
)

// TokenRedemptions counts token redemptions by purpose and result.
// Use RegisterMetrics to register this with a Prometheus registry.
var TokenRedemptions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "schoolgate_token_redemptions_total",
		Help: "Total number of remember-me and password-reset token redemptions",
	},
	[]string{"purpose", "result"},
)

// SessionEvents counts session lifecycle transitions.
// Use RegisterMetrics to register this with a Prometheus registry.
var SessionEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "schoolgate_session_events_total",
		Help: "Total number of session lifecycle events",
	},
	[]string{"event"},
)

// GuardDecisions counts authorization decisions by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var GuardDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "schoolgate_guard_decisions_total",
		Help: "Total number of route authorization decisions",
	},
	[]string{"outcome"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// This must be called at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(TokenRedemptions)
	reg.MustRegister(SessionEvents)
	reg.MustRegister(GuardDecisions)
}

func recordLogin(role Role, result string) {
	LoginAttempts.WithLabelValues(string(role), result).Inc()
}

func recordRedemption(purpose TokenPurpose, result string) {
	TokenRedemptions.WithLabelValues(string(purpose), result).Inc()
}

func recordSessionEvent(event string) {
	SessionEvents.WithLabelValues(event).Inc()
}

func recordDecision(outcome Outcome) {
	GuardDecisions.WithLabelValues(outcome.String()).Inc()
}
