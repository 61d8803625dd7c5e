// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package auth

import (
	"log/slog"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

type options struct {
	clock  Clock
	logger *slog.Logger
}

// Option configures the auth components.
type Option func(*options)

// WithClock substitutes the time source. Used by tests to make expiry and
// regeneration deterministic.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
