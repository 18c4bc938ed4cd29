package approval

import (
	"fmt"
	"time"

	"github.com/MEKXH/permit/internal/clock"
)

// Transition is what a conditional write did to a record.
type Transition int

const (
	// TransitionNone means the record was already terminal and is unchanged.
	TransitionNone Transition = iota
	TransitionDecided
	TransitionExpired
)

// Decide applies the compare-and-swap rule to an in-memory record: it succeeds
// only from pending and only strictly before ExpiresAt. A pending record that is
// already past expiry is flipped to expired instead. Callers hold whatever lock
// guards rec.
func (r *StoredRequest) Decide(now time.Time, kind DecisionKind, responder, message string) (Transition, error) {
	status := kind.Status()
	if status == "" {
		return TransitionNone, fmt.Errorf("invalid decision kind %q", kind)
	}
	if r.Status != StatusPending {
		return TransitionNone, nil
	}
	if clock.Expired(now, r.Request.ExpiresAt) {
		r.Status = StatusExpired
		return TransitionExpired, nil
	}
	r.Status = status
	r.Decision = &Decision{
		Kind:        kind,
		Message:     message,
		RespondedAt: clock.Millis(now),
		Responder:   responder,
	}
	return TransitionDecided, nil
}

// Expire flips a pending record to expired regardless of time.
func (r *StoredRequest) Expire() bool {
	if r.Status != StatusPending {
		return false
	}
	r.Status = StatusExpired
	return true
}

// ExpireIfDue flips a pending record whose expiry has been reached.
func (r *StoredRequest) ExpireIfDue(now time.Time) bool {
	if r.Status != StatusPending || !clock.Expired(now, r.Request.ExpiresAt) {
		return false
	}
	r.Status = StatusExpired
	return true
}

// Matches reports whether the record passes q.
func (r *StoredRequest) Matches(q Query) bool {
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.DueBefore.IsZero() && r.Request.ExpiresAt.After(q.DueBefore) {
		return false
	}
	return true
}
