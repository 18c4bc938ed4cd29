package commands

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/audit"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/channel/feishu"
	"github.com/MEKXH/permit/internal/channel/slack"
	"github.com/MEKXH/permit/internal/channel/telegram"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/metrics"
	"github.com/MEKXH/permit/internal/risk"
	"github.com/MEKXH/permit/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// relayRuntime is everything a process needs to drive the request lifecycle.
type relayRuntime struct {
	cfg       *config.Config
	store     approval.Store
	notifier  approval.Notifier
	svc       *approval.Service
	metrics   *metrics.RuntimeMetrics
	callbacks map[string]http.Handler
	listeners []channel.Listener
}

func runtimeMetricsPath() string {
	return filepath.Join(config.ConfigDir(), "state", metrics.RuntimeMetricsFileName)
}

// newNotifier builds the chat gateway selected by notifier.provider.
func newNotifier(cfg *config.Config) approval.Notifier {
	switch cfg.Notifier.Provider {
	case "feishu":
		return feishu.New(&cfg.Notifier.Feishu)
	case "telegram":
		return telegram.New(&cfg.Notifier.Telegram, nil)
	case "slack":
		return slack.New(&cfg.Notifier.Slack, nil)
	default:
		return channel.None{}
	}
}

// newRelayRuntime opens the store and wires the service. reg may be nil when
// the process does not export Prometheus metrics; an empty metricsPath
// disables the runtime snapshot.
func newRelayRuntime(cfg *config.Config, reg prometheus.Registerer, metricsPath string) (*relayRuntime, error) {
	store, err := storage.Open(cfg, nil)
	if err != nil {
		return nil, err
	}

	classifier, err := risk.FromConfig(cfg.Risk)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load risk rules: %w", err)
	}

	var auditWriter *audit.Writer
	if cfg.Audit.Enabled {
		auditWriter = audit.NewWriter(cfg.Audit.Path)
	}

	rt := &relayRuntime{
		cfg:       cfg,
		store:     store,
		notifier:  newNotifier(cfg),
		callbacks: map[string]http.Handler{},
	}
	if metricsPath != "" {
		rt.metrics = metrics.NewRuntimeMetrics(metricsPath, reg)
	}
	rt.svc = approval.NewService(approval.Options{
		Store:          store,
		Notifier:       rt.notifier,
		Classifier:     classifier,
		Audit:          auditWriter,
		Metrics:        rt.metrics,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
	})

	switch n := rt.notifier.(type) {
	case *feishu.Notifier:
		fc := &cfg.Notifier.Feishu
		rt.callbacks["feishu"] = feishu.NewCallbackHandler(rt.svc, fc, feishu.VerifierFromConfig(fc))
	case *slack.Channel:
		n.SetDecider(rt.svc)
		if cfg.Notifier.Slack.SigningSecret == "" {
			slog.Warn("notifier.slack.signing_secret is empty; slack interactions will be rejected")
		}
		rt.callbacks["slack"] = n
	case *telegram.Channel:
		n.SetDecider(rt.svc)
		rt.listeners = append(rt.listeners, n)
	}
	return rt, nil
}

func (rt *relayRuntime) Close() error {
	return rt.store.Close()
}

// loadLocalRuntime is used by CLI commands that operate on the store directly.
// The runtime snapshot belongs to the serve process and is left untouched.
func loadLocalRuntime() (*relayRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Backend == "memory" {
		return nil, fmt.Errorf("store.backend is memory; use sqlite or file to manage requests from the CLI")
	}
	return newRelayRuntime(cfg, nil, "")
}
