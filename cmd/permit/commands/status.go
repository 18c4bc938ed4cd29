package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/metrics"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Permit configuration status",
		RunE:  runStatus,
	}
}

var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1)
	statusSectionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8E4EC6")).
				Bold(true).
				MarginTop(1)
	statusOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E8B57"))
	statusWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F76B15"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(statusTitleStyle.Render("Permit Status"))

	fmt.Println(statusSectionStyle.Render("Config"))
	fmt.Printf("  Path: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Printf("  Status: %s\n", statusOKStyle.Render("OK"))
	} else {
		fmt.Printf("  Status: %s\n", statusWarnStyle.Render("Not found (run 'permit init')"))
	}

	fmt.Println(statusSectionStyle.Render("Server"))
	fmt.Printf("  Listen: %s\n", cfg.ListenAddr())
	if strings.TrimSpace(cfg.Server.Token) == "" {
		fmt.Printf("  Auth: %s\n", statusWarnStyle.Render("disabled (server.token is empty)"))
	} else {
		fmt.Printf("  Auth: %s\n", statusOKStyle.Render("bearer token"))
	}
	fmt.Printf("  Client URL: %s\n", cfg.Client.URL)
	fmt.Printf("  Request timeout: %s (max %s)\n", cfg.DefaultTimeout(), cfg.MaxTimeout())

	fmt.Println(statusSectionStyle.Render("Store"))
	fmt.Printf("  Backend: %s\n", cfg.Store.Backend)
	if cfg.Store.Backend != "memory" {
		fmt.Printf("  Path: %s\n", cfg.Store.Path)
	}
	fmt.Printf("  Retention grace: %s\n", cfg.Grace())

	fmt.Println(statusSectionStyle.Render("Notifier"))
	fmt.Printf("  Provider: %s\n", cfg.Notifier.Provider)
	if detail := notifierDetail(cfg); detail != "" {
		fmt.Printf("  %s\n", detail)
	}

	fmt.Println(statusSectionStyle.Render("Expiry"))
	if cfg.Expiry.Enabled {
		fmt.Printf("  Sweep: %s\n", cfg.Expiry.Schedule)
	} else {
		fmt.Printf("  Sweep: %s\n", statusWarnStyle.Render("disabled"))
	}

	fmt.Println(statusSectionStyle.Render("Audit"))
	if cfg.Audit.Enabled {
		fmt.Printf("  Path: %s\n", cfg.Audit.Path)
	} else {
		fmt.Println("  disabled")
	}

	printRuntimeMetrics()
	return nil
}

func notifierDetail(cfg *config.Config) string {
	n := cfg.Notifier
	switch n.Provider {
	case "feishu":
		signing := "off"
		if n.Feishu.EncryptKey != "" {
			signing = "on"
		}
		return fmt.Sprintf("Domain: %s, receive %s=%s, signature check: %s, allow list: %d entr(ies)", n.Feishu.Domain, n.Feishu.ReceiveIDType, n.Feishu.ReceiveID, signing, len(n.Feishu.AllowFrom))
	case "telegram":
		return fmt.Sprintf("Chat: %d, allow list: %d entr(ies)", n.Telegram.ChatID, len(n.Telegram.AllowFrom))
	case "slack":
		signing := "missing"
		if n.Slack.SigningSecret != "" {
			signing = "set"
		}
		return fmt.Sprintf("Channel: %s, signing secret: %s", n.Slack.ChannelID, signing)
	default:
		return "Cards are not sent; decide requests with 'permit request'"
	}
}

func printRuntimeMetrics() {
	fmt.Println(statusSectionStyle.Render("Runtime Metrics"))
	snapshot, err := metrics.ReadRuntimeSnapshot(runtimeMetricsPath())
	if err != nil {
		fmt.Printf("  %s\n", statusWarnStyle.Render("unavailable: "+err.Error()))
		return
	}
	if !snapshot.HasData() {
		fmt.Println("  No requests recorded yet")
		return
	}
	r := snapshot.Requests
	fmt.Printf("  Requests: created=%d approved=%d denied=%d messages=%d expired=%d\n",
		r.Created, r.Approved, r.Denied, r.Messages, r.Expired)
	fmt.Printf("  Expiry ratio: %.2f\n", r.ExpiryRatio())
	fmt.Printf("  Decision latency: avg=%.0fms max=%dms p95~%dms\n",
		r.AvgDecisionLatencyMs(), r.MaxDecisionLatencyMs, r.P95ProxyLatencyMs)
	n := snapshot.Notify
	fmt.Printf("  Notify failure ratio: %.2f\n", n.FailureRatio())
	fmt.Printf("  Updated: %s\n", snapshot.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}
