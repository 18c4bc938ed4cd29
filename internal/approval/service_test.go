package approval_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/audit"
	"github.com/MEKXH/permit/internal/clock"
	"github.com/MEKXH/permit/internal/risk"
	"github.com/MEKXH/permit/internal/storage/memory"
)

type fakeNotifier struct {
	mu        sync.Mutex
	sendErr   error
	updateErr error
	sent      []approval.StoredRequest
	updates   []approval.StoredRequest
	notices   []approval.Notice
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) SendRequest(_ context.Context, rec *approval.StoredRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, *rec)
	return "card-" + rec.ID(), nil
}

func (f *fakeNotifier) UpdateRequest(_ context.Context, handle string, rec *approval.StoredRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle != "card-"+rec.ID() {
		return fmt.Errorf("unexpected handle %q", handle)
	}
	f.updates = append(f.updates, *rec)
	return f.updateErr
}

func (f *fakeNotifier) SendNotice(_ context.Context, n approval.Notice) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.notices = append(f.notices, n)
	return fmt.Sprintf("msg-%d", len(f.notices)), nil
}

func (f *fakeNotifier) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return true }

type fixture struct {
	svc      *approval.Service
	clk      *clock.Manual
	notifier *fakeNotifier
	store    approval.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC))
	store := memory.New(
		memory.WithClock(clk.Now),
		memory.WithScheduler(func(time.Duration, func()) memory.Timer { return stoppedTimer{} }),
	)
	notifier := &fakeNotifier{}
	svc := approval.NewService(approval.Options{
		Store:      store,
		Notifier:   notifier,
		Classifier: risk.Default(),
		Audit:      audit.NewWriter(t.TempDir() + "/audit.jsonl"),
		Now:        clk.Now,
	})
	return &fixture{svc: svc, clk: clk, notifier: notifier, store: store}
}

func (f *fixture) create(t *testing.T, timeout time.Duration) *approval.StoredRequest {
	t.Helper()
	rec, err := f.svc.Create(context.Background(), approval.CreateInput{
		Tool:             "Bash",
		Command:          "git push -f origin main",
		WorkingDirectory: "/home/dev/permit",
		Timeout:          timeout,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return rec
}

func TestService_CreateValidatesRequiredFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []approval.CreateInput{
		{WorkingDirectory: "/tmp"},
		{Tool: "Bash"},
		{Tool: "  ", WorkingDirectory: "/tmp"},
		{Tool: "Bash", WorkingDirectory: "/tmp", RiskLevel: "extreme"},
	} {
		if _, err := f.svc.Create(ctx, in); !errors.Is(err, approval.ErrInvalidRequest) {
			t.Fatalf("Create(%+v) expected ErrInvalidRequest, got %v", in, err)
		}
	}
	all, _ := f.store.List(ctx, approval.Query{})
	if len(all) != 0 {
		t.Fatalf("invalid input must not be stored, got %d records", len(all))
	}
	if len(f.notifier.sent) != 0 {
		t.Fatal("invalid input must not be sent")
	}
}

func TestService_CreateFreezesRiskAndSendsCard(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 0)

	if rec.Status != approval.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if rec.Request.RiskLevel != approval.RiskHigh {
		t.Fatalf("expected high risk, got %s", rec.Request.RiskLevel)
	}
	if rec.Request.Project != "permit" {
		t.Fatalf("expected project derived from directory, got %q", rec.Request.Project)
	}
	if got := rec.Request.ExpiresAt.Sub(rec.Request.Timestamp); got != 5*time.Minute {
		t.Fatalf("expected default 5m timeout, got %s", got)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one card, got %d", len(f.notifier.sent))
	}

	stored, err := f.svc.Status(context.Background(), rec.ID())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if stored.NotificationHandle != "card-"+rec.ID() {
		t.Fatalf("expected handle attached, got %q", stored.NotificationHandle)
	}

	// Swapping rules later does not touch existing records.
	f.svc.SetClassifier(lowOnly{})
	stored, _ = f.svc.Status(context.Background(), rec.ID())
	if stored.Request.RiskLevel != approval.RiskHigh {
		t.Fatalf("risk must be frozen at creation, got %s", stored.Request.RiskLevel)
	}
	again := f.create(t, 0)
	if again.Request.RiskLevel != approval.RiskLow {
		t.Fatalf("expected swapped classifier for new requests, got %s", again.Request.RiskLevel)
	}
}

type lowOnly struct{}

func (lowOnly) Classify(string, string) approval.RiskLevel { return approval.RiskLow }

func TestService_CallerRiskLevelOverridesClassifier(t *testing.T) {
	f := newFixture(t)
	rec, err := f.svc.Create(context.Background(), approval.CreateInput{
		Tool:             "ReadFile",
		WorkingDirectory: "/srv",
		RiskLevel:        "CRITICAL",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if rec.Request.RiskLevel != approval.RiskCritical {
		t.Fatalf("expected caller risk level, got %s", rec.Request.RiskLevel)
	}
}

func TestService_TimeoutIsCapped(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 48*time.Hour)
	if got := rec.Request.ExpiresAt.Sub(rec.Request.Timestamp); got != time.Hour {
		t.Fatalf("expected timeout capped at 1h, got %s", got)
	}
}

func TestService_EndToEndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, time.Minute)

	got, err := f.svc.Status(ctx, rec.ID())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if got.Status != approval.StatusPending {
		t.Fatalf("expected pending right after create, got %s", got.Status)
	}

	f.clk.Advance(61 * time.Second)
	got, err = f.svc.Status(ctx, rec.ID())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if got.Status != approval.StatusExpired {
		t.Fatalf("expected expired after timeout, got %s", got.Status)
	}

	out, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: "approve", Responder: "ou_late"})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if out.Kind != approval.OutcomeExpired {
		t.Fatalf("expected late approval to be rejected as expired, got %s", out.Kind)
	}

	got, _ = f.svc.Status(ctx, rec.ID())
	if got.Status != approval.StatusExpired || got.Decision != nil {
		t.Fatalf("expected expired without decision, got %s %+v", got.Status, got.Decision)
	}
	if n := f.notifier.updateCount(); n != 1 {
		t.Fatalf("expected the card to be finalized once, got %d updates", n)
	}
	if f.notifier.updates[0].Status != approval.StatusExpired {
		t.Fatalf("expected expired card, got %s", f.notifier.updates[0].Status)
	}
}

func TestService_DecisionAtExpiryInstantIsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, time.Minute)

	f.clk.Set(rec.Request.ExpiresAt)
	out, err := f.svc.Decide(context.Background(), approval.DecideInput{ID: rec.ID(), Kind: "approve"})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if out.Kind != approval.OutcomeExpired || out.Record.Status != approval.StatusExpired {
		t.Fatalf("expected expiry to win at the boundary, got %s", out.Kind)
	}
}

func TestService_MessageDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, time.Minute)

	for _, text := range []string{"", "   \t"} {
		_, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: "message", Message: text})
		if !errors.Is(err, approval.ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %q, got %v", text, err)
		}
	}
	got, _ := f.svc.Status(ctx, rec.ID())
	if got.Status != approval.StatusPending {
		t.Fatalf("empty message must not change state, got %s", got.Status)
	}

	out, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: "message", Message: "  retry with sudo  ", Responder: "ou_1"})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if out.Kind != approval.OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Kind)
	}
	if out.Record.Status != approval.StatusMessage || out.Record.Decision.Message != "retry with sudo" {
		t.Fatalf("expected trimmed message, got %s %q", out.Record.Status, out.Record.Decision.Message)
	}
	if out.Record.Decision.Responder != "ou_1" {
		t.Fatalf("unexpected responder %q", out.Record.Decision.Responder)
	}
}

func TestService_DecisionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, time.Minute)

	out, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: "deny", Responder: "ou_1"})
	if err != nil || out.Kind != approval.OutcomeApplied {
		t.Fatalf("first decision = %v, %v", out.Kind, err)
	}
	for _, kind := range []string{"approve", "deny", "message"} {
		out, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: kind, Message: "x"})
		if err != nil {
			t.Fatalf("Decide error: %v", err)
		}
		if out.Kind != approval.OutcomeAlreadyDecided {
			t.Fatalf("expected already decided, got %s", out.Kind)
		}
		if out.Record.Status != approval.StatusDenied {
			t.Fatalf("status must stay denied, got %s", out.Record.Status)
		}
	}
	if n := f.notifier.updateCount(); n != 1 {
		t.Fatalf("expected one card update, got %d", n)
	}
}

func TestService_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied []string
	)
	for i := 0; i < 20; i++ {
		kind := "approve"
		if i%2 == 1 {
			kind = "deny"
		}
		wg.Add(1)
		go func(kind string) {
			defer wg.Done()
			out, err := f.svc.Decide(context.Background(), approval.DecideInput{ID: rec.ID(), Kind: kind})
			if err != nil {
				t.Errorf("Decide error: %v", err)
				return
			}
			if out.Kind == approval.OutcomeApplied {
				mu.Lock()
				applied = append(applied, kind)
				mu.Unlock()
			}
		}(kind)
	}
	wg.Wait()

	if len(applied) != 1 {
		t.Fatalf("expected exactly one winner, got %v", applied)
	}
	got, _ := f.svc.Status(context.Background(), rec.ID())
	if string(got.Decision.Kind) != applied[0] {
		t.Fatalf("stored decision %s does not match winner %s", got.Decision.Kind, applied[0])
	}
}

func TestService_UnknownAndInvalidDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.Decide(ctx, approval.DecideInput{ID: "missing", Kind: "approve"})
	if err != nil || out.Kind != approval.OutcomeNotFound {
		t.Fatalf("expected not found, got %v %v", out.Kind, err)
	}

	rec := f.create(t, time.Minute)
	if _, err := f.svc.Decide(ctx, approval.DecideInput{ID: rec.ID(), Kind: "approve_always"}); !errors.Is(err, approval.ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
	got, _ := f.svc.Status(ctx, rec.ID())
	if got.Status != approval.StatusPending {
		t.Fatalf("invalid decision must not change state, got %s", got.Status)
	}

	missing, err := f.svc.Status(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v %v", missing, err)
	}
}

func TestService_NotifyFailureLeavesRequestPending(t *testing.T) {
	f := newFixture(t)
	f.notifier.sendErr = errors.New("lark: 99991663 token invalid")

	rec, err := f.svc.Create(context.Background(), approval.CreateInput{Tool: "Bash", WorkingDirectory: "/tmp"})
	if !errors.Is(err, approval.ErrNotify) {
		t.Fatalf("expected ErrNotify, got %v", err)
	}
	if rec == nil {
		t.Fatal("expected the stored record alongside the notify error")
	}
	got, _ := f.svc.Status(context.Background(), rec.ID())
	if got == nil || got.Status != approval.StatusPending || got.NotificationHandle != "" {
		t.Fatalf("expected pending record without handle, got %+v", got)
	}
}

func TestService_CardUpdateFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.updateErr = errors.New("message deleted")
	rec := f.create(t, time.Minute)

	out, err := f.svc.Decide(context.Background(), approval.DecideInput{ID: rec.ID(), Kind: "approve"})
	if err != nil || out.Kind != approval.OutcomeApplied {
		t.Fatalf("Decide = %v, %v", out.Kind, err)
	}
	got, _ := f.svc.Status(context.Background(), rec.ID())
	if got.Status != approval.StatusApproved {
		t.Fatalf("expected approved despite card failure, got %s", got.Status)
	}
}

func TestService_ExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short := f.create(t, time.Minute)
	long := f.create(t, 10*time.Minute)

	f.clk.Advance(2 * time.Minute)
	n, err := f.svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if n, _ := f.svc.ExpireDue(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}

	got, _ := f.svc.Status(ctx, short.ID())
	if got.Status != approval.StatusExpired {
		t.Fatalf("expected short request expired, got %s", got.Status)
	}
	got, _ = f.svc.Status(ctx, long.ID())
	if got.Status != approval.StatusPending {
		t.Fatalf("expected long request pending, got %s", got.Status)
	}
	if n := f.notifier.updateCount(); n != 1 {
		t.Fatalf("expected one card update, got %d", n)
	}
}

func TestService_TimerExpiryFinalizesCard(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, time.Minute)
	f.clk.Advance(time.Minute)
	if _, err := f.store.MarkExpired(context.Background(), rec.ID()); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	expired, _ := f.store.Get(context.Background(), rec.ID())

	f.svc.HandleTimerExpiry(*expired)
	f.svc.HandleTimerExpiry(*expired)
	if n := f.notifier.updateCount(); n != 1 {
		t.Fatalf("expected one card update, got %d", n)
	}
}

func TestService_RemoveAndNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, time.Minute)

	if err := f.svc.Remove(ctx, rec.ID()); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if got, _ := f.svc.Status(ctx, rec.ID()); got != nil {
		t.Fatalf("expected removed request to be gone, got %+v", got)
	}

	if _, err := f.svc.SendNotice(ctx, approval.Notice{Type: "shout", Title: "t", Content: "c"}); !errors.Is(err, approval.ErrInvalidRequest) {
		t.Fatalf("expected invalid notice type error, got %v", err)
	}
	if _, err := f.svc.SendNotice(ctx, approval.Notice{Type: approval.NoticeStatus, Title: " ", Content: "c"}); !errors.Is(err, approval.ErrInvalidRequest) {
		t.Fatalf("expected missing title error, got %v", err)
	}
	id, err := f.svc.SendNotice(ctx, approval.Notice{Type: approval.NoticeCompletion, Title: "Build done", Content: "all green", Project: "permit"})
	if err != nil {
		t.Fatalf("SendNotice error: %v", err)
	}
	if id != "msg-1" || f.notifier.notices[0].Title != "Build done" {
		t.Fatalf("unexpected notice result %q %+v", id, f.notifier.notices)
	}

	f.notifier.sendErr = errors.New("boom")
	if _, err := f.svc.SendNotice(ctx, approval.Notice{Type: approval.NoticeQuestion, Title: "q", Content: "?"}); !errors.Is(err, approval.ErrNotify) {
		t.Fatalf("expected ErrNotify, got %v", err)
	}
}

// reloadFailingStore applies decisions, then fails or loses the reload.
type reloadFailingStore struct {
	approval.Store
	removeOnApply bool

	mu      sync.Mutex
	applied bool
}

func (s *reloadFailingStore) ApplyDecision(ctx context.Context, id string, kind approval.DecisionKind, responder, message string) (bool, error) {
	ok, err := s.Store.ApplyDecision(ctx, id, kind, responder, message)
	if ok && s.removeOnApply {
		_ = s.Store.Remove(ctx, id)
	}
	s.mu.Lock()
	s.applied = ok
	s.mu.Unlock()
	return ok, err
}

func (s *reloadFailingStore) Get(ctx context.Context, id string) (*approval.StoredRequest, error) {
	s.mu.Lock()
	applied := s.applied
	s.mu.Unlock()
	if applied && !s.removeOnApply {
		return nil, errors.New("database is locked")
	}
	return s.Store.Get(ctx, id)
}

func TestService_DecideAppliedWithoutReload(t *testing.T) {
	for _, tc := range []struct {
		name          string
		removeOnApply bool
	}{
		{"reload error", false},
		{"removed concurrently", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC))
			store := &reloadFailingStore{
				Store: memory.New(
					memory.WithClock(clk.Now),
					memory.WithScheduler(func(time.Duration, func()) memory.Timer { return stoppedTimer{} }),
				),
				removeOnApply: tc.removeOnApply,
			}
			notifier := &fakeNotifier{}
			svc := approval.NewService(approval.Options{Store: store, Notifier: notifier, Now: clk.Now})

			rec, err := svc.Create(context.Background(), approval.CreateInput{Tool: "Bash", WorkingDirectory: "/w"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			out, err := svc.Decide(context.Background(), approval.DecideInput{ID: rec.ID(), Kind: "deny", Responder: "ou_1"})
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if out.Kind != approval.OutcomeApplied || out.Record != nil {
				t.Fatalf("expected applied without record, got %+v", out)
			}
			if out.Status() != approval.StatusDenied {
				t.Fatalf("expected denied status from the decision, got %q", out.Status())
			}
			if notifier.updateCount() != 0 {
				t.Fatal("card must not be patched without a reloaded record")
			}
		})
	}
}
