package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/clock"
)

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "requests.json")
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := New(path, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &approval.StoredRequest{
		Request: approval.PermissionRequest{
			RequestID:        "req-1",
			Tool:             "Bash",
			Command:          "make deploy",
			WorkingDirectory: "/srv",
			Args:             map[string]any{"env": "prod"},
			ExpiresAt:        clk.Now().Add(time.Minute),
		},
		Status:    approval.StatusPending,
		CreatedAt: clk.Now(),
	}
	if err := first.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := first.ApplyDecision(ctx, "req-1", approval.DecisionDeny, "ops", ""); err != nil || !ok {
		t.Fatalf("ApplyDecision = %v, %v", ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store: %v", err)
	}
	if info.Mode().Perm() != storeFileMode {
		t.Fatalf("expected mode %o, got %o", storeFileMode, info.Mode().Perm())
	}

	second, err := New(path, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := second.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Status != approval.StatusDenied {
		t.Fatalf("expected denied record after reopen, got %+v", got)
	}
	if got.Request.Args["env"] != "prod" {
		t.Fatalf("expected args to round-trip, got %v", got.Request.Args)
	}
}

func TestStore_PurgeDropsRecordsPastRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.json")
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	store, err := New(path, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := store.Put(ctx, &approval.StoredRequest{
			Request: approval.PermissionRequest{RequestID: id, Tool: "Bash", ExpiresAt: clk.Now().Add(time.Second)},
			Status:  approval.StatusPending,
		}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	clk.Advance(time.Hour)
	n, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
}

func TestStore_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := New(path, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "x"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_TwoInstancesShareOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.json")
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	serve, err := New(path, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cli, err := New(path, time.Minute, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const rounds = 25
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("req-%d", i)
		if err := serve.Put(ctx, &approval.StoredRequest{
			Request: approval.PermissionRequest{RequestID: id, Tool: "Bash", ExpiresAt: clk.Now().Add(time.Minute)},
			Status:  approval.StatusPending,
		}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}

		var wg sync.WaitGroup
		results := make([]bool, 2)
		errs := make([]error, 2)
		for j, s := range []*Store{serve, cli} {
			kind := approval.DecisionApprove
			if j == 1 {
				kind = approval.DecisionDeny
			}
			wg.Add(1)
			go func(j int, s *Store, kind approval.DecisionKind) {
				defer wg.Done()
				results[j], errs[j] = s.ApplyDecision(ctx, id, kind, "ops", "")
			}(j, s, kind)
		}
		wg.Wait()

		for j, err := range errs {
			if err != nil {
				t.Fatalf("%s: instance %d: %v", id, j, err)
			}
		}
		if results[0] == results[1] {
			t.Fatalf("%s: expected exactly one decision to apply, got %v", id, results)
		}

		got, err := cli.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		want := approval.StatusApproved
		if results[1] {
			want = approval.StatusDenied
		}
		if got == nil || got.Status != want {
			t.Fatalf("%s: expected %s, got %+v", id, want, got)
		}
	}

	all, err := serve.List(ctx, approval.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != rounds {
		t.Fatalf("expected %d records visible to both instances, got %d", rounds, len(all))
	}
}
