package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewExpirySweeper(t *testing.T) {
	svc := approval.NewService(approval.Options{Store: memory.New()})

	c, err := newExpirySweeper(context.Background(), config.ExpiryConfig{Enabled: false}, svc)
	if err != nil || c != nil {
		t.Fatalf("disabled sweep: got %v, %v", c, err)
	}

	if _, err := newExpirySweeper(context.Background(), config.ExpiryConfig{Enabled: true, Schedule: "every now and then"}, svc); err == nil {
		t.Fatal("expected error for invalid schedule")
	}

	c, err = newExpirySweeper(context.Background(), config.ExpiryConfig{Enabled: true}, svc)
	if err != nil || c == nil {
		t.Fatalf("default schedule: got %v, %v", c, err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one scheduled entry, got %d", len(c.Entries()))
	}
}

func TestSweepOnce_ExpiresOverdue(t *testing.T) {
	now := time.Now()
	store := memory.New(
		memory.WithClock(func() time.Time { return now }),
		memory.WithScheduler(func(time.Duration, func()) memory.Timer { return stoppedTimer{} }),
	)
	svc := approval.NewService(approval.Options{
		Store: store,
		Now:   func() time.Time { return now },
	})

	rec, err := svc.Create(context.Background(), approval.CreateInput{
		Tool:             "Bash",
		WorkingDirectory: "/work",
		Timeout:          time.Second,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(2 * time.Second)
	expired, _ := sweepOnce(context.Background(), svc)
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}
	got, err := store.Get(context.Background(), rec.ID())
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.Status != approval.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return true }

func TestReloadRiskRules(t *testing.T) {
	svc := approval.NewService(approval.Options{Store: memory.New()})

	cfg := config.DefaultConfig()
	cfg.Risk.Critical = []string{`\bshred\b`}
	reloadRiskRules(svc, cfg)

	rec, err := svc.Create(context.Background(), approval.CreateInput{
		Tool:             "Bash",
		Command:          "shred secrets.txt",
		WorkingDirectory: "/work",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Request.RiskLevel != approval.RiskCritical {
		t.Fatalf("expected critical after reload, got %s", rec.Request.RiskLevel)
	}

	bad := config.DefaultConfig()
	bad.Risk.High = []string{"("}
	reloadRiskRules(svc, bad)

	rec, err = svc.Create(context.Background(), approval.CreateInput{
		Tool:             "Bash",
		Command:          "shred notes.txt",
		WorkingDirectory: "/work",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Request.RiskLevel != approval.RiskCritical {
		t.Fatalf("invalid rules must keep the previous classifier, got %s", rec.Request.RiskLevel)
	}
}

func TestRelayRuntime_MountsCallbacks(t *testing.T) {
	prepareHome(t, nil)

	tests := []struct {
		provider  string
		callback  string
		listeners int
	}{
		{"none", "", 0},
		{"feishu", "feishu", 0},
		{"slack", "slack", 0},
		{"telegram", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Store.Backend = "memory"
			cfg.Audit.Enabled = false
			cfg.Notifier.Provider = tt.provider

			rt, err := newRelayRuntime(cfg, prometheus.NewRegistry(), "")
			if err != nil {
				t.Fatalf("newRelayRuntime: %v", err)
			}
			defer rt.Close()

			if rt.svc.NotifierName() != tt.provider {
				t.Fatalf("notifier = %q, want %q", rt.svc.NotifierName(), tt.provider)
			}
			if len(rt.listeners) != tt.listeners {
				t.Fatalf("listeners = %d, want %d", len(rt.listeners), tt.listeners)
			}
			if tt.callback == "" {
				if len(rt.callbacks) != 0 {
					t.Fatalf("unexpected callbacks: %v", rt.callbacks)
				}
				return
			}
			if rt.callbacks[tt.callback] == nil {
				t.Fatalf("expected %s callback to be mounted", tt.callback)
			}

			// Callbacks answer GET with 405 regardless of platform.
			rec := httptest.NewRecorder()
			rt.callbacks[tt.callback].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback/"+tt.callback, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("GET callback status = %d", rec.Code)
			}
		})
	}
}
