// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// ActivityType names a security-relevant event.
type ActivityType string

// Activity event types.
const (
	ActivityLogin                  ActivityType = "login"
	ActivityLoginFailed            ActivityType = "login_failed"
	ActivityRememberLogin          ActivityType = "remember_login"
	ActivityLogout                 ActivityType = "logout"
	ActivityPasswordResetRequested ActivityType = "password_reset_requested"
	ActivityPasswordReset          ActivityType = "password_reset"
	ActivityPasswordChanged        ActivityType = "password_changed"
	ActivityAccessDenied           ActivityType = "access_denied"
	ActivityTokenRejected          ActivityType = "token_rejected"
)

// ActivityEvent is one entry for the activity log. It never carries
// passwords or raw tokens.
type ActivityEvent struct {
	Type      ActivityType
	UserID    ulid.ULID // zero when the user is unknown
	Role      Role
	IPAddress string
	UserAgent string
	Path      string
	Reason    string
	At        time.Time
}

// HasUser reports whether the event is attributed to a known user.
func (e ActivityEvent) HasUser() bool {
	return e.UserID.Compare(ulid.ULID{}) != 0
}

// ActivityLogger receives security events. Implementations must not block
// the request path for long and must not fail the calling operation.
type ActivityLogger interface {
	Record(ctx context.Context, event ActivityEvent)
}

// SlogActivityLogger writes activity events as structured log records.
type SlogActivityLogger struct {
	logger *slog.Logger
}

// NewSlogActivityLogger creates an activity logger. A nil logger uses slog.Default().
func NewSlogActivityLogger(logger *slog.Logger) *SlogActivityLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogActivityLogger{logger: logger}
}

// Record implements ActivityLogger.
func (l *SlogActivityLogger) Record(ctx context.Context, event ActivityEvent) {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.Time("at", event.At),
		slog.String("ip", event.IPAddress),
	}
	if event.HasUser() {
		attrs = append(attrs, slog.String("user_id", event.UserID.String()))
	}
	if event.Role != "" {
		attrs = append(attrs, slog.String("role", string(event.Role)))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Path != "" {
		attrs = append(attrs, slog.String("path", event.Path))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	level := slog.LevelInfo
	switch event.Type {
	case ActivityLoginFailed, ActivityAccessDenied, ActivityTokenRejected:
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "activity", attrs...)
}

// ResetNotifier delivers password reset links. Delivery (email, SMS) is
// provided by the embedding application.
type ResetNotifier interface {
	SendResetLink(ctx context.Context, user *User, link string, expiresAt time.Time) error
}

// LogResetNotifier records that a reset link was issued without exposing it.
// Suitable for development and for deployments where delivery is handled
// out of band.
type LogResetNotifier struct {
	logger *slog.Logger
}

// NewLogResetNotifier creates a notifier. A nil logger uses slog.Default().
func NewLogResetNotifier(logger *slog.Logger) *LogResetNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogResetNotifier{logger: logger}
}

// SendResetLink implements ResetNotifier.
func (n *LogResetNotifier) SendResetLink(ctx context.Context, user *User, _ string, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "password reset link issued",
		"user_id", user.ID.String(),
		"expires_at", expiresAt)
	return nil
}
