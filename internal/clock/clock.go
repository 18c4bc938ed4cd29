// Package clock holds the time arithmetic shared by the request store and the
// lifecycle service, plus a manual clock for pinning time.
package clock

import (
	"sync"
	"time"
)

// MinStorageTTL is the shortest retention a durable backend may be asked for.
const MinStorageTTL = time.Second

// Func returns the current instant. Components take one so tests can pin time.
type Func func() time.Time

// System is the wall clock.
func System() time.Time { return time.Now() }

// OrSystem returns fn, or the wall clock when fn is nil.
func OrSystem(fn Func) Func {
	if fn == nil {
		return System
	}
	return fn
}

// Expired reports whether expiresAt has been reached. The exact expiry instant
// counts as expired.
func Expired(now, expiresAt time.Time) bool {
	return !now.Before(expiresAt)
}

// Remaining returns the time left before expiresAt, never negative.
func Remaining(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// StorageTTL is max(1s, expiresAt-now).
func StorageTTL(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < MinStorageTTL {
		return MinStorageTTL
	}
	return d
}

// RetainUntil is the instant a durable backend may evict a record written at now.
func RetainUntil(now, expiresAt time.Time, grace time.Duration) time.Time {
	if grace < 0 {
		grace = 0
	}
	return now.Add(StorageTTL(now, expiresAt) + grace)
}

// Millis truncates t to millisecond precision, the resolution used on the wire
// and in every backend.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Manual is a settable clock for tests and replay tools.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a clock pinned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the pinned instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set pins the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
