// Package security provides auth failure throttling, credential wiping and OS
// keyring access.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/acolita/shellkeeper/internal/ports"
)

// Defaults used when the limiter is built with zero values.
const (
	DefaultMaxAuthFailures     = 3
	DefaultAuthLockoutDuration = 15 * time.Minute
)

// AuthRateLimiter locks a user@host pair out after repeated authentication
// failures, so a stored wrong password is not replayed against the remote
// host on every click.
type AuthRateLimiter struct {
	mu              sync.Mutex
	failures        map[string]*authFailure
	maxFailures     int
	lockoutDuration time.Duration
	clock           ports.Clock
}

type authFailure struct {
	count    int
	lastFail time.Time
	lockedAt time.Time
}

// NewAuthRateLimiter creates a limiter. Zero or negative settings fall back
// to the defaults.
func NewAuthRateLimiter(maxFailures int, lockoutDuration time.Duration, clock ports.Clock) *AuthRateLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	if lockoutDuration <= 0 {
		lockoutDuration = DefaultAuthLockoutDuration
	}
	return &AuthRateLimiter{
		failures:        make(map[string]*authFailure),
		maxFailures:     maxFailures,
		lockoutDuration: lockoutDuration,
		clock:           clock,
	}
}

func limiterKey(host, user string) string {
	return fmt.Sprintf("%s@%s", user, host)
}

// IsLocked reports whether host/user is locked out and for how much longer.
func (r *AuthRateLimiter) IsLocked(host, user string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.failures[limiterKey(host, user)]
	if !ok || f.lockedAt.IsZero() {
		return false, 0
	}
	elapsed := r.clock.Now().Sub(f.lockedAt)
	if elapsed >= r.lockoutDuration {
		return false, 0
	}
	return true, r.lockoutDuration - elapsed
}

// RecordFailure counts one failure and starts a lockout at the threshold.
func (r *AuthRateLimiter) RecordFailure(host, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	k := limiterKey(host, user)
	f, ok := r.failures[k]
	if !ok {
		f = &authFailure{}
		r.failures[k] = f
	}
	if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration {
		*f = authFailure{}
	}
	f.count++
	f.lastFail = now
	if f.count >= r.maxFailures && f.lockedAt.IsZero() {
		f.lockedAt = now
	}
}

// RecordSuccess clears the failure history for host/user.
func (r *AuthRateLimiter) RecordSuccess(host, user string) {
	r.mu.Lock()
	delete(r.failures, limiterKey(host, user))
	r.mu.Unlock()
}

// Cleanup drops expired lockouts and failure streaks older than twice the
// lockout duration. It returns the number of entries removed.
func (r *AuthRateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for k, f := range r.failures {
		expiredLock := !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration
		stale := now.Sub(f.lastFail) >= 2*r.lockoutDuration
		if expiredLock || stale {
			delete(r.failures, k)
			removed++
		}
	}
	return removed
}
