package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/gateway"
	"github.com/MEKXH/permit/internal/risk"
	"github.com/MEKXH/permit/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Permit relay",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := newRelayRuntime(cfg, reg, runtimeMetricsPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}()

	if ms, ok := rt.store.(*memory.Store); ok {
		ms.SetExpiryHook(rt.svc.HandleTimerExpiry)
	}

	sweeper, err := newExpirySweeper(ctx, cfg.Expiry, rt.svc)
	if err != nil {
		return err
	}
	if sweeper != nil {
		sweeper.Start()
	}

	go func() {
		extra := []string{cfg.Risk.RulesFile}
		if err := config.Watch(ctx, config.ConfigPath(), extra, func(next *config.Config) {
			reloadRiskRules(rt.svc, next)
		}); err != nil {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	chanMgr := channel.NewManager()
	for _, l := range rt.listeners {
		chanMgr.Register(l)
	}
	chanMgr.StartAll(ctx)

	errCh := make(chan error, 1)
	gatewayServer := gateway.New(cfg.Server, gateway.Options{
		Token:      cfg.Server.Token,
		Controller: rt.svc,
		Callbacks:  rt.callbacks,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Permit relay running. Gateway: http://%s (notifier: %s)\nPress Ctrl+C to stop.\n",
		gatewayServer.Addr(), rt.svc.NotifierName())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	chanMgr.StopAll(shutdownCtx)
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}

	return runErr
}

// newExpirySweeper schedules the pending-expiry sweep and retention purge.
// It returns nil when the sweep is disabled.
func newExpirySweeper(ctx context.Context, cfg config.ExpiryConfig, svc *approval.Service) (*cron.Cron, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = config.DefaultExpirySchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { sweepOnce(ctx, svc) }); err != nil {
		return nil, fmt.Errorf("invalid expiry.schedule %q: %w", schedule, err)
	}
	return c, nil
}

func sweepOnce(ctx context.Context, svc *approval.Service) (expired, purged int) {
	expired, err := svc.ExpireDue(ctx)
	if err != nil {
		slog.Warn("expiry sweep failed", "error", err)
	}
	purged, err = svc.Purge(ctx)
	if err != nil {
		slog.Warn("retention purge failed", "error", err)
	}
	if expired > 0 || purged > 0 {
		slog.Info("expiry sweep", "expired", expired, "purged", purged)
	}
	return expired, purged
}

func reloadRiskRules(svc *approval.Service, cfg *config.Config) {
	classifier, err := risk.FromConfig(cfg.Risk)
	if err != nil {
		slog.Warn("risk rules reload failed; keeping previous rules", "error", err)
		return
	}
	svc.SetClassifier(classifier)
	slog.Info("risk rules reloaded")
}
