package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/permit/internal/audit"
	"github.com/MEKXH/permit/internal/clock"
	"github.com/MEKXH/permit/internal/metrics"
)

const (
	defaultTimeout    = 5 * time.Minute
	maxTimeout        = time.Hour
	cardUpdateTimeout = 10 * time.Second
)

var (
	// ErrInvalidRequest marks input the caller must fix.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidDecision marks an unknown decision kind.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrEmptyMessage marks a message decision without text.
	ErrEmptyMessage = errors.New("message text is required")
	// ErrNotify marks a failed chat gateway call on an agent-facing path.
	ErrNotify = errors.New("notification failed")
)

// Options wires a Service.
type Options struct {
	Store          Store
	Notifier       Notifier
	Classifier     Classifier
	Audit          *audit.Writer
	Metrics        *metrics.RuntimeMetrics
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Now            clock.Func
}

// Service orchestrates the request lifecycle. It holds no request state of its
// own; the store's conditional writes are the only synchronization.
type Service struct {
	store          Store
	notifier       Notifier
	audit          *audit.Writer
	metrics        *metrics.RuntimeMetrics
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	now            func() time.Time
	newID          func() string

	classifierMu sync.RWMutex
	classifier   Classifier

	// finalCards records which cards this process already finalized so that
	// repeated polls of an expired request do not re-patch the card.
	cardsMu    sync.Mutex
	finalCards map[string]time.Time
}

// NewService creates a service. Store is required.
func NewService(opts Options) *Service {
	s := &Service{
		store:          opts.Store,
		notifier:       opts.Notifier,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		now:            clock.OrSystem(opts.Now),
		newID:          uuid.NewString,
		classifier:     opts.Classifier,
		finalCards:     make(map[string]time.Time),
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = defaultTimeout
	}
	if s.maxTimeout <= 0 {
		s.maxTimeout = maxTimeout
	}
	if s.classifier == nil {
		s.classifier = lowClassifier{}
	}
	return s
}

// SetClassifier swaps the risk rules. Existing requests keep their level.
func (s *Service) SetClassifier(c Classifier) {
	if c == nil {
		return
	}
	s.classifierMu.Lock()
	s.classifier = c
	s.classifierMu.Unlock()
}

func (s *Service) classify(tool, command string) RiskLevel {
	s.classifierMu.RLock()
	defer s.classifierMu.RUnlock()
	return s.classifier.Classify(tool, command)
}

// NotifierName reports which chat gateway is in use.
func (s *Service) NotifierName() string {
	if s.notifier == nil {
		return "none"
	}
	return s.notifier.Name()
}

// Create stores a new pending request and sends its card. When the card
// cannot be sent the record stays pending, is returned, and the error wraps
// ErrNotify.
func (s *Service) Create(ctx context.Context, input CreateInput) (*StoredRequest, error) {
	tool := strings.TrimSpace(input.Tool)
	if tool == "" {
		return nil, fmt.Errorf("%w: tool is required", ErrInvalidRequest)
	}
	workDir := strings.TrimSpace(input.WorkingDirectory)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workingDirectory is required", ErrInvalidRequest)
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	if timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}

	command := strings.TrimSpace(input.Command)
	level := s.classify(tool, command)
	if raw := strings.TrimSpace(input.RiskLevel); raw != "" {
		parsed, ok := ParseRiskLevel(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown riskLevel %q", ErrInvalidRequest, input.RiskLevel)
		}
		level = parsed
	}

	now := clock.Millis(s.now())
	rec := &StoredRequest{
		Request: PermissionRequest{
			RequestID:        s.newID(),
			Tool:             tool,
			Command:          command,
			Description:      strings.TrimSpace(input.Description),
			Args:             input.Args,
			WorkingDirectory: workDir,
			Project:          strings.TrimSpace(input.Project),
			RiskLevel:        level,
			Timestamp:        now,
			ExpiresAt:        clock.Millis(now.Add(timeout)),
		},
		Status:    StatusPending,
		CreatedAt: now,
	}
	if rec.Request.Project == "" {
		rec.Request.Project = projectFromDir(workDir)
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	s.recordCreated(rec)
	slog.Info("permission request created",
		"request_id", rec.ID(), "tool", tool, "risk", level, "expires_at", rec.Request.ExpiresAt)

	if s.notifier == nil {
		return rec, nil
	}
	handle, err := s.notifier.SendRequest(ctx, rec.Clone())
	s.recordNotify(metrics.OpSend, err)
	if err != nil {
		slog.Warn("failed to send request card", "request_id", rec.ID(), "notifier", s.notifier.Name(), "error", err)
		s.appendAudit(audit.Event{Type: audit.TypeNotifyFailed, RequestID: rec.ID(), Tool: tool, Result: err.Error()})
		return rec, fmt.Errorf("%w: %v", ErrNotify, err)
	}
	if handle != "" {
		rec.NotificationHandle = handle
		if err := s.store.AttachHandle(ctx, rec.ID(), handle); err != nil {
			// The card is out; without the handle it just cannot be finalized.
			slog.Warn("failed to record notification handle", "request_id", rec.ID(), "error", err)
		}
	}
	return rec, nil
}

// Decide applies an approver action. Conflicts are reported in the Outcome;
// errors are validation failures or backend faults.
func (s *Service) Decide(ctx context.Context, input DecideInput) (Outcome, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return Outcome{}, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	kind, ok := ParseDecisionKind(input.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidDecision, input.Kind)
	}
	message := strings.TrimSpace(input.Message)
	if kind == DecisionMessage && message == "" {
		return Outcome{}, ErrEmptyMessage
	}
	responder := strings.TrimSpace(input.Responder)

	applied, err := s.store.ApplyDecision(ctx, id, kind, responder, message)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply decision: %w", err)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil && !applied {
		return Outcome{}, fmt.Errorf("load request: %w", err)
	}

	switch {
	case applied && rec == nil:
		// Reload failed or the record was removed right after the write.
		slog.Warn("decision applied but the record could not be reloaded", "request_id", id, "error", err)
		s.appendAudit(audit.Event{
			Type:      audit.TypeDecided,
			RequestID: id,
			Status:    string(kind.Status()),
			Responder: responder,
			Result:    message,
		})
		return Outcome{Kind: OutcomeApplied, Decision: kind}, nil
	case applied:
		s.recordResolved(rec)
		slog.Info("permission request decided", "request_id", id, "status", kind.Status(), "responder", responder)
		s.updateCard(ctx, rec)
		return Outcome{Kind: OutcomeApplied, Decision: kind, Record: rec}, nil
	case rec == nil:
		return Outcome{Kind: OutcomeNotFound}, nil
	case rec.Status == StatusExpired:
		s.finalizeExpired(ctx, rec)
		return Outcome{Kind: OutcomeExpired, Record: rec}, nil
	default:
		return Outcome{Kind: OutcomeAlreadyDecided, Record: rec}, nil
	}
}

// Status is the poll path. A pending request past its expiry is expired
// before it is returned. It returns nil when the id is unknown.
func (s *Service) Status(ctx context.Context, id string) (*StoredRequest, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Status == StatusPending && clock.Expired(s.now(), rec.Request.ExpiresAt) {
		if _, err := s.store.MarkExpired(ctx, id); err != nil {
			return nil, fmt.Errorf("expire request: %w", err)
		}
		if rec, err = s.store.Get(ctx, id); err != nil || rec == nil {
			return rec, err
		}
	}
	if rec.Status == StatusExpired {
		s.finalizeExpired(ctx, rec)
	}
	return rec, nil
}

// ExpireDue expires every pending request whose expiry has passed and returns
// how many this call flipped.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.List(ctx, Query{Status: StatusPending, DueBefore: now})
	if err != nil {
		return 0, fmt.Errorf("list due requests: %w", err)
	}
	flipped := 0
	for _, candidate := range due {
		ok, err := s.store.MarkExpired(ctx, candidate.ID())
		if err != nil {
			return flipped, fmt.Errorf("expire request %s: %w", candidate.ID(), err)
		}
		if !ok {
			continue
		}
		flipped++
		rec, err := s.store.Get(ctx, candidate.ID())
		if err != nil || rec == nil {
			rec = candidate.Clone()
			rec.Status = StatusExpired
		}
		s.finalizeExpired(ctx, rec)
	}
	s.pruneCardMarks(now)
	return flipped, nil
}

// HandleTimerExpiry is the expiry hook for stores that expire records on their
// own schedule.
func (s *Service) HandleTimerExpiry(rec StoredRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), cardUpdateTimeout)
	defer cancel()
	s.finalizeExpired(ctx, &rec)
}

// Purge evicts records past retention when the backend supports it.
func (s *Service) Purge(ctx context.Context) (int, error) {
	p, ok := s.store.(Purger)
	if !ok {
		return 0, nil
	}
	n, err := p.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	return n, nil
}

// Remove deletes a request regardless of status.
func (s *Service) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	if err := s.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove request: %w", err)
	}
	s.cardsMu.Lock()
	delete(s.finalCards, id)
	s.cardsMu.Unlock()
	s.appendAudit(audit.Event{Type: audit.TypeRemoved, RequestID: id})
	return nil
}

// List returns stored requests matching q.
func (s *Service) List(ctx context.Context, q Query) ([]StoredRequest, error) {
	out, err := s.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// SendNotice relays a free-standing message to the approver chat.
func (s *Service) SendNotice(ctx context.Context, notice Notice) (string, error) {
	switch notice.Type {
	case NoticeCompletion, NoticeStatus, NoticeQuestion:
	default:
		return "", fmt.Errorf("%w: unknown notice type %q", ErrInvalidRequest, notice.Type)
	}
	notice.Title = strings.TrimSpace(notice.Title)
	notice.Content = strings.TrimSpace(notice.Content)
	if notice.Title == "" || notice.Content == "" {
		return "", fmt.Errorf("%w: title and content are required", ErrInvalidRequest)
	}
	if s.notifier == nil {
		return "", fmt.Errorf("%w: no notifier configured", ErrNotify)
	}

	id, err := s.notifier.SendNotice(ctx, notice)
	s.recordNotify(metrics.OpNotice, err)
	if err != nil {
		slog.Warn("failed to send notice", "type", notice.Type, "error", err)
		return "", fmt.Errorf("%w: %v", ErrNotify, err)
	}
	s.appendAudit(audit.Event{Type: audit.TypeNotice, Result: string(notice.Type)})
	return id, nil
}

func (s *Service) finalizeExpired(ctx context.Context, rec *StoredRequest) {
	if !s.claimCard(rec.ID()) {
		return
	}
	s.recordResolved(rec)
	slog.Info("permission request expired", "request_id", rec.ID())
	s.patchCard(ctx, rec)
}

// updateCard is best-effort: failures are logged and never retried.
func (s *Service) updateCard(ctx context.Context, rec *StoredRequest) {
	if rec == nil || !s.claimCard(rec.ID()) {
		return
	}
	s.patchCard(ctx, rec)
}

func (s *Service) patchCard(ctx context.Context, rec *StoredRequest) {
	if s.notifier == nil || rec.NotificationHandle == "" {
		return
	}
	err := s.notifier.UpdateRequest(ctx, rec.NotificationHandle, rec.Clone())
	s.recordNotify(metrics.OpUpdate, err)
	if err != nil {
		slog.Warn("failed to update request card", "request_id", rec.ID(), "status", rec.Status, "error", err)
	}
}

func (s *Service) claimCard(id string) bool {
	s.cardsMu.Lock()
	defer s.cardsMu.Unlock()
	if _, done := s.finalCards[id]; done {
		return false
	}
	s.finalCards[id] = s.now()
	return true
}

func (s *Service) pruneCardMarks(now time.Time) {
	cutoff := now.Add(-2 * s.maxTimeout)
	s.cardsMu.Lock()
	defer s.cardsMu.Unlock()
	for id, at := range s.finalCards {
		if at.Before(cutoff) {
			delete(s.finalCards, id)
		}
	}
}

func (s *Service) recordCreated(rec *StoredRequest) {
	if _, err := s.metrics.RecordCreated(string(rec.Request.RiskLevel)); err != nil {
		slog.Debug("failed to persist runtime metrics", "error", err)
	}
	s.appendAudit(audit.Event{
		Type:      audit.TypeCreated,
		RequestID: rec.ID(),
		Tool:      rec.Request.Tool,
		Risk:      string(rec.Request.RiskLevel),
		Status:    string(rec.Status),
	})
}

func (s *Service) recordResolved(rec *StoredRequest) {
	var latency time.Duration
	event := audit.Event{
		Type:      audit.TypeExpired,
		RequestID: rec.ID(),
		Tool:      rec.Request.Tool,
		Status:    string(rec.Status),
	}
	if d := rec.Decision; d != nil {
		latency = d.RespondedAt.Sub(rec.CreatedAt)
		event.Type = audit.TypeDecided
		event.Responder = d.Responder
		event.Result = d.Message
	}
	if _, err := s.metrics.RecordResolved(string(rec.Status), latency); err != nil {
		slog.Debug("failed to persist runtime metrics", "error", err)
	}
	s.appendAudit(event)
}

func (s *Service) recordNotify(op string, sendErr error) {
	if _, err := s.metrics.RecordNotify(op, sendErr == nil); err != nil {
		slog.Debug("failed to persist runtime metrics", "error", err)
	}
}

func (s *Service) appendAudit(event audit.Event) {
	if event.Time.IsZero() {
		event.Time = s.now().UTC()
	}
	if err := s.audit.Append(event); err != nil {
		slog.Warn("failed to append audit event", "type", event.Type, "error", err)
	}
}

func projectFromDir(dir string) string {
	dir = strings.TrimRight(strings.ReplaceAll(dir, "\\", "/"), "/")
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		return dir[i+1:]
	}
	return dir
}
