// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package web

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAfter = 10 * time.Minute
	limiterSweepAt   = 1000
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles credential endpoints per client IP with a token
// bucket refilling perMinute tokens a minute.
type IPRateLimiter struct {
	perMinute int
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*ipLimiter
}

// NewIPRateLimiter creates a limiter. Non-positive rates default to 10/min.
func NewIPRateLimiter(perMinute int) *IPRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &IPRateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		clients:   make(map[string]*ipLimiter),
	}
}

// Allow reports whether ip may make another attempt now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[ip]
	if !ok {
		c = &ipLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.clients[ip] = c
	}
	c.lastSeen = now
	l.sweepLocked(now)

	return c.limiter.AllowN(now, 1)
}

// sweepLocked forgets idle clients once the table grows large.
func (l *IPRateLimiter) sweepLocked(now time.Time) {
	if len(l.clients) < limiterSweepAt {
		return
	}
	cutoff := now.Add(-limiterIdleAfter)
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Middleware rejects over-limit requests with 429 and calls onLimit, if set.
func (l *IPRateLimiter) Middleware(onLimit func(r *http.Request)) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(l.perMinute)).Seconds()) + 1)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientIP(r)) {
				if onLimit != nil {
					onLimit(r)
				}
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "too many attempts, try again later", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
