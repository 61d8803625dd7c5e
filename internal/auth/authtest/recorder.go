// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/schoolgate/schoolgate/internal/auth"
)

// ActivityRecorder is an auth.ActivityLogger that keeps every event.
type ActivityRecorder struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

var _ auth.ActivityLogger = (*ActivityRecorder)(nil)

// Record implements auth.ActivityLogger.
func (r *ActivityRecorder) Record(_ context.Context, event auth.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *ActivityRecorder) Events() []auth.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.ActivityEvent(nil), r.events...)
}

// OfType returns the recorded events of the given type.
func (r *ActivityRecorder) OfType(t auth.ActivityType) []auth.ActivityEvent {
	var out []auth.ActivityEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// SentLink is one delivered reset link.
type SentLink struct {
	User      *auth.User
	Link      string
	ExpiresAt time.Time
}

// Notifier is an auth.ResetNotifier that keeps every link.
type Notifier struct {
	mu   sync.Mutex
	sent []SentLink
	Err  error
}

var _ auth.ResetNotifier = (*Notifier)(nil)

// SendResetLink implements auth.ResetNotifier.
func (n *Notifier) SendResetLink(_ context.Context, user *auth.User, link string, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, SentLink{User: user, Link: link, ExpiresAt: expiresAt})
	return n.Err
}

// Sent returns a copy of the delivered links.
func (n *Notifier) Sent() []SentLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentLink(nil), n.sent...)
}

// Clock is a manually advanced auth.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock fixed at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time. Pass c.Now to auth.WithClock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
