// Package memory is the volatile, process-local request store.
//
// Each pending record arms a one-shot timer that flips it to expired at
// ExpiresAt, so expiry is observable without a poll or callback. The timers do
// not survive a restart; expire-on-touch in Get and ApplyDecision stays the
// authoritative rule.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/clock"
)

// Timer is the part of *time.Timer the store needs.
type Timer interface {
	Stop() bool
}

// Scheduler arms a one-shot callback.
type Scheduler func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// ExpiryHook is told about records the timer expired.
type ExpiryHook func(rec approval.StoredRequest)

// Store keeps requests in a map guarded by one mutex.
type Store struct {
	now      clock.Func
	schedule Scheduler

	mu       sync.Mutex
	records  map[string]*approval.StoredRequest
	timers   map[string]Timer
	onExpire ExpiryHook
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(fn clock.Func) Option {
	return func(s *Store) { s.now = clock.OrSystem(fn) }
}

// WithScheduler overrides how expiry timers are armed.
func WithScheduler(fn Scheduler) Option {
	return func(s *Store) {
		if fn != nil {
			s.schedule = fn
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      clock.System,
		schedule: afterFunc,
		records:  make(map[string]*approval.StoredRequest),
		timers:   make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetExpiryHook registers fn to run after a timer expires a record.
func (s *Store) SetExpiryHook(fn ExpiryHook) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

// Put upserts rec and arms its expiry timer while it is pending.
func (s *Store) Put(_ context.Context, rec *approval.StoredRequest) error {
	if rec == nil || strings.TrimSpace(rec.ID()) == "" {
		return fmt.Errorf("missing request id")
	}
	id := rec.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(id)
	stored := rec.Clone()
	s.records[id] = stored
	if stored.Status == approval.StatusPending {
		s.armLocked(id, clock.Remaining(s.now(), stored.Request.ExpiresAt))
	}
	return nil
}

// Get returns a copy of the record, expiring it first when due.
func (s *Store) Get(_ context.Context, id string) (*approval.StoredRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	if rec.ExpireIfDue(s.now()) {
		s.cancelLocked(id)
	}
	return rec.Clone(), nil
}

// ApplyDecision moves a pending, unexpired record to its decided status.
func (s *Store) ApplyDecision(_ context.Context, id string, kind approval.DecisionKind, responder, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	transition, err := rec.Decide(s.now(), kind, responder, message)
	if err != nil {
		return false, err
	}
	if transition != approval.TransitionNone {
		s.cancelLocked(id)
	}
	return transition == approval.TransitionDecided, nil
}

// MarkExpired flips a pending record to expired.
func (s *Store) MarkExpired(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || !rec.Expire() {
		return false, nil
	}
	s.cancelLocked(id)
	return true, nil
}

// AttachHandle records the notification handle without touching status.
func (s *Store) AttachHandle(_ context.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.NotificationHandle = handle
	}
	return nil
}

// Remove deletes a record and its timer.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(id)
	delete(s.records, id)
	return nil
}

// List returns matching records ordered by creation time. It does not expire
// anything; the sweep relies on seeing overdue records as pending.
func (s *Store) List(_ context.Context, q approval.Query) ([]approval.StoredRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]approval.StoredRequest, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.Matches(q) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Close stops every pending timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.timers {
		s.cancelLocked(id)
	}
	return nil
}

func (s *Store) armLocked(id string, d time.Duration) {
	s.timers[id] = s.schedule(d, func() { s.fire(id) })
}

func (s *Store) cancelLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) fire(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Status != approval.StatusPending {
		delete(s.timers, id)
		s.mu.Unlock()
		return
	}
	now := s.now()
	if !clock.Expired(now, rec.Request.ExpiresAt) {
		// The clock is behind the timer; try again when it catches up.
		s.armLocked(id, clock.Remaining(now, rec.Request.ExpiresAt))
		s.mu.Unlock()
		return
	}
	rec.Expire()
	delete(s.timers, id)
	snapshot := *rec.Clone()
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
}
