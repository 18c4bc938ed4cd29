// Package sqlite is the durable request store. Conditional UPDATE statements
// give the compare-and-swap; retain_until_ms gives storage-level eviction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/clock"
)

const (
	selectColumns = `request_id, request_json, status, decision, decision_message, responder,
	responded_at_ms, notification_handle, created_at_ms, retain_until_ms`
	insertColumns = `request_id, request_json, status, decision, decision_message, responder,
	responded_at_ms, notification_handle, created_at_ms, expires_at_ms, retain_until_ms`
)

// Store persists requests in a SQLite database.
type Store struct {
	db    *sql.DB
	grace time.Duration
	now   clock.Func
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(fn clock.Func) Option {
	return func(s *Store) { s.now = clock.OrSystem(fn) }
}

// New opens dsn and migrates the schema.
func New(dsn string, grace time.Duration, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := newStore(db, grace, opts...)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, grace time.Duration, opts ...Option) *Store {
	s := &Store{db: db, grace: grace, now: clock.System}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS permission_requests (
			request_id TEXT PRIMARY KEY,
			request_json TEXT NOT NULL,
			status TEXT NOT NULL,
			decision TEXT,
			decision_message TEXT,
			responder TEXT,
			responded_at_ms INTEGER,
			notification_handle TEXT,
			created_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			retain_until_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_requests_status_expiry ON permission_requests(status, expires_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_requests_retain ON permission_requests(retain_until_ms)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts rec unconditionally and resets its retention window.
func (s *Store) Put(ctx context.Context, rec *approval.StoredRequest) error {
	if rec == nil || strings.TrimSpace(rec.ID()) == "" {
		return fmt.Errorf("missing request id")
	}
	payload, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	now := s.now()
	var kind, message, responder sql.NullString
	var respondedAt sql.NullInt64
	if d := rec.Decision; d != nil {
		kind = nullString(string(d.Kind))
		message = nullString(d.Message)
		responder = nullString(d.Responder)
		respondedAt = sql.NullInt64{Int64: d.RespondedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO permission_requests (`+insertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID(), string(payload), string(rec.Status), kind, message, responder, respondedAt,
		nullString(rec.NotificationHandle), rec.CreatedAt.UnixMilli(), rec.Request.ExpiresAt.UnixMilli(),
		clock.RetainUntil(now, rec.Request.ExpiresAt, s.grace).UnixMilli())
	if err != nil {
		return fmt.Errorf("put request %s: %w", rec.ID(), err)
	}
	return nil
}

// Get returns the record or nil, expiring it first when due.
func (s *Store) Get(ctx context.Context, id string) (*approval.StoredRequest, error) {
	now := s.now()
	rec, err := s.load(ctx, id, now)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.Status != approval.StatusPending || !clock.Expired(now, rec.Request.ExpiresAt) {
		return rec, nil
	}
	flipped, err := s.expireDue(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if flipped {
		rec.Status = approval.StatusExpired
		return rec, nil
	}
	return s.load(ctx, id, now)
}

// ApplyDecision moves a pending, unexpired record to its decided status.
func (s *Store) ApplyDecision(ctx context.Context, id string, kind approval.DecisionKind, responder, message string) (bool, error) {
	status := kind.Status()
	if status == "" {
		return false, fmt.Errorf("invalid decision kind %q", kind)
	}
	now := s.now()
	nowMs := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests
		SET status = ?, decision = ?, decision_message = ?, responder = ?, responded_at_ms = ?,
			retain_until_ms = MAX(retain_until_ms, expires_at_ms + ?)
		WHERE request_id = ? AND status = ? AND expires_at_ms > ? AND retain_until_ms > ?`,
		string(status), string(kind), nullString(message), nullString(responder), nowMs,
		s.grace.Milliseconds(), id, string(approval.StatusPending), nowMs, nowMs)
	if err != nil {
		return false, fmt.Errorf("apply decision to %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply decision to %s: %w", id, err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.expireDue(ctx, id, now); err != nil {
		return false, err
	}
	return false, nil
}

// MarkExpired flips a pending record to expired.
func (s *Store) MarkExpired(ctx context.Context, id string) (bool, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?, retain_until_ms = MAX(retain_until_ms, ?)
		WHERE request_id = ? AND status = ? AND retain_until_ms > ?`,
		string(approval.StatusExpired), now.Add(s.grace).UnixMilli(), id, string(approval.StatusPending), nowMs)
	return rowsChanged(res, err, "expire request "+id)
}

// AttachHandle records the notification handle without touching status.
func (s *Store) AttachHandle(ctx context.Context, id, handle string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET notification_handle = ? WHERE request_id = ?`,
		nullString(handle), id); err != nil {
		return fmt.Errorf("attach handle to %s: %w", id, err)
	}
	return nil
}

// Remove deletes a record.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permission_requests WHERE request_id = ?`, id); err != nil {
		return fmt.Errorf("remove request %s: %w", id, err)
	}
	return nil
}

// List returns matching records ordered by creation time.
func (s *Store) List(ctx context.Context, q approval.Query) ([]approval.StoredRequest, error) {
	query := `SELECT ` + selectColumns + ` FROM permission_requests WHERE retain_until_ms > ?`
	args := []any{s.now().UnixMilli()}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if !q.DueBefore.IsZero() {
		query += ` AND expires_at_ms <= ?`
		args = append(args, q.DueBefore.UnixMilli())
	}
	query += ` ORDER BY created_at_ms ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []approval.StoredRequest
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// Purge deletes rows past their retention instant.
func (s *Store) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_requests WHERE retain_until_ms <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	return int(affected), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load(ctx context.Context, id string, now time.Time) (*approval.StoredRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM permission_requests WHERE request_id = ? AND retain_until_ms > ?`,
		id, now.UnixMilli())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) expireDue(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?, retain_until_ms = MAX(retain_until_ms, ?)
		WHERE request_id = ? AND status = ? AND expires_at_ms <= ? AND retain_until_ms > ?`,
		string(approval.StatusExpired), now.Add(s.grace).UnixMilli(), id,
		string(approval.StatusPending), now.UnixMilli(), now.UnixMilli())
	return rowsChanged(res, err, "expire request "+id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*approval.StoredRequest, error) {
	var (
		id, payload, status        string
		kind, message, responder   sql.NullString
		respondedAt                sql.NullInt64
		handle                     sql.NullString
		createdAtMs, retainUntilMs int64
	)
	if err := row.Scan(&id, &payload, &status, &kind, &message, &responder,
		&respondedAt, &handle, &createdAtMs, &retainUntilMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}

	rec := &approval.StoredRequest{
		Status:             approval.Status(status),
		NotificationHandle: handle.String,
		CreatedAt:          time.UnixMilli(createdAtMs).UTC(),
	}
	if err := json.Unmarshal([]byte(payload), &rec.Request); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	rec.Request.RequestID = id
	if kind.Valid {
		rec.Decision = &approval.Decision{
			Kind:      approval.DecisionKind(kind.String),
			Message:   message.String,
			Responder: responder.String,
		}
		if respondedAt.Valid {
			rec.Decision.RespondedAt = time.UnixMilli(respondedAt.Int64).UTC()
		}
	}
	return rec, nil
}

func rowsChanged(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected > 0, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
