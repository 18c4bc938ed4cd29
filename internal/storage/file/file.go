// Package file is a durable, single-host request store kept in one JSON document.
// Every write rewrites the document atomically. Each operation holds an
// exclusive lock on a sibling ".lock" file for its whole read-modify-write, so
// several processes (the relay and the CLI) may share one store.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/clock"
)

const (
	storeVersion  = 1
	storeFileMode = 0600
	storeDirMode  = 0755
)

type entry struct {
	Record      approval.StoredRequest `json:"record"`
	RetainUntil time.Time              `json:"retain_until"`
}

type fileData struct {
	Version  int              `json:"version"`
	Requests map[string]entry `json:"requests"`
}

// Store persists requests to a JSON file.
type Store struct {
	path  string
	grace time.Duration
	now   clock.Func

	mu    sync.Mutex
	flock *flock.Flock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(fn clock.Func) Option {
	return func(s *Store) { s.now = clock.OrSystem(fn) }
}

// New creates a store at path. grace is how long terminal records stay readable.
func New(path string, grace time.Duration, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing store path")
	}
	s := &Store{path: path, grace: grace, now: clock.System, flock: flock.New(path + ".lock")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put upserts rec unconditionally.
func (s *Store) Put(_ context.Context, rec *approval.StoredRequest) error {
	if rec == nil || strings.TrimSpace(rec.ID()) == "" {
		return fmt.Errorf("missing request id")
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	now := s.now()
	data.Requests[rec.ID()] = entry{
		Record:      *rec.Clone(),
		RetainUntil: clock.RetainUntil(now, rec.Request.ExpiresAt, s.grace),
	}
	return s.saveLocked(data)
}

// Get returns the record or nil, expiring it first when due.
func (s *Store) Get(_ context.Context, id string) (*approval.StoredRequest, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	e, ok := data.Requests[id]
	if !ok || !now.Before(e.RetainUntil) {
		return nil, nil
	}
	if e.Record.ExpireIfDue(now) {
		e.RetainUntil = laterOf(e.RetainUntil, now.Add(s.grace))
		data.Requests[id] = e
		if err := s.saveLocked(data); err != nil {
			return nil, err
		}
	}
	return e.Record.Clone(), nil
}

// ApplyDecision moves a pending, unexpired record to its decided status.
func (s *Store) ApplyDecision(_ context.Context, id string, kind approval.DecisionKind, responder, message string) (bool, error) {
	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	now := s.now()
	e, ok := data.Requests[id]
	if !ok || !now.Before(e.RetainUntil) {
		return false, nil
	}
	transition, err := e.Record.Decide(now, kind, responder, message)
	if err != nil {
		return false, err
	}
	switch transition {
	case approval.TransitionDecided:
		e.RetainUntil = laterOf(e.RetainUntil, e.Record.Request.ExpiresAt.Add(s.grace))
	case approval.TransitionExpired:
		e.RetainUntil = laterOf(e.RetainUntil, now.Add(s.grace))
	default:
		return false, nil
	}
	data.Requests[id] = e
	if err := s.saveLocked(data); err != nil {
		return false, err
	}
	return transition == approval.TransitionDecided, nil
}

// MarkExpired flips a pending record to expired.
func (s *Store) MarkExpired(_ context.Context, id string) (bool, error) {
	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	now := s.now()
	e, ok := data.Requests[id]
	if !ok || !now.Before(e.RetainUntil) || !e.Record.Expire() {
		return false, nil
	}
	e.RetainUntil = laterOf(e.RetainUntil, now.Add(s.grace))
	data.Requests[id] = e
	if err := s.saveLocked(data); err != nil {
		return false, err
	}
	return true, nil
}

// AttachHandle records the notification handle without touching status.
func (s *Store) AttachHandle(_ context.Context, id, handle string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	e, ok := data.Requests[id]
	if !ok {
		return nil
	}
	e.Record.NotificationHandle = handle
	data.Requests[id] = e
	return s.saveLocked(data)
}

// Remove deletes a record.
func (s *Store) Remove(_ context.Context, id string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := data.Requests[id]; !ok {
		return nil
	}
	delete(data.Requests, id)
	return s.saveLocked(data)
}

// List returns matching records ordered by creation time.
func (s *Store) List(_ context.Context, q approval.Query) ([]approval.StoredRequest, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]approval.StoredRequest, 0, len(data.Requests))
	for _, e := range data.Requests {
		if !now.Before(e.RetainUntil) || !e.Record.Matches(q) {
			continue
		}
		out = append(out, *e.Record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Purge drops records past their retention instant.
func (s *Store) Purge(_ context.Context) (int, error) {
	unlock, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	data, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for id, e := range data.Requests {
		if !now.Before(e.RetainUntil) {
			delete(data.Requests, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(data); err != nil {
		return 0, err
	}
	return removed, nil
}

// lock serializes goroutines with the mutex and processes with the lock file.
func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.path), storeDirMode); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create request store dir: %w", err)
	}
	if err := s.flock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock request store: %w", err)
	}
	return func() {
		_ = s.flock.Unlock()
		s.mu.Unlock()
	}, nil
}

// Close is a no-op; every write is already on disk.
func (s *Store) Close() error { return nil }

func (s *Store) loadLocked() (fileData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultFileData(), nil
		}
		return fileData{}, fmt.Errorf("read request store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fileData{}, fmt.Errorf("parse request store: %w", err)
	}
	return normalizeFileData(parsed), nil
}

func (s *Store) saveLocked(data fileData) error {
	data = normalizeFileData(data)
	now := s.now()
	for id, e := range data.Requests {
		if !now.Before(e.RetainUntil) {
			delete(data.Requests, id)
		}
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create request store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "requests-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp request store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp request store: %w", err)
	}
	if err := tmpFile.Chmod(storeFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp request store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp request store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace request store: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, s.path); retryErr != nil {
			return fmt.Errorf("replace request store after remove: %w", retryErr)
		}
	}
	return nil
}

func defaultFileData() fileData {
	return fileData{
		Version:  storeVersion,
		Requests: map[string]entry{},
	}
}

func normalizeFileData(data fileData) fileData {
	if data.Version <= 0 {
		data.Version = storeVersion
	}
	if data.Requests == nil {
		data.Requests = map[string]entry{}
	}
	return data
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
