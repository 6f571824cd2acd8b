// Package ratelimit provides a sliding-window operation limiter.
//
// The limiter is not safe for concurrent use; callers serialize access,
// typically under the lock that guards the state the limited operations
// touch.
package ratelimit

import "time"

// Limiter allows at most limit operations per key within a trailing
// window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	ops    map[string][]time.Time
}

// New returns a Limiter allowing limit operations per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		ops:    make(map[string][]time.Time),
	}
}

// Allow records an attempt for key and reports whether it fits within the
// window. Denied attempts are not recorded, so a client hammering a full
// window does not push its own recovery further out.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)
	recent := l.ops[key][:0]
	for _, t := range l.ops[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.ops[key] = recent
		return false
	}
	l.ops[key] = append(recent, now)
	return true
}
