package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/channel"
	"github.com/MEKXH/permit/internal/render"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func NewRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "request",
		Aliases: []string{"req"},
		Short:   "Inspect and decide permission requests in the local store",
	}

	cmd.AddCommand(
		newRequestListCmd(),
		newRequestGetCmd(),
		newRequestDecisionCmd("approve", approval.DecisionApprove, "Approve a pending request"),
		newRequestDecisionCmd("deny", approval.DecisionDeny, "Deny a pending request"),
		newRequestMessageCmd(),
		newRequestExpireCmd(),
		newRequestRemoveCmd(),
	)

	return cmd
}

func newRequestListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE:  runRequestList,
	}
	cmd.Flags().String("status", "", "Filter by status (pending|approved|denied|expired|message)")
	cmd.Flags().Int("limit", 50, "Maximum number of requests to show")
	return cmd
}

func newRequestGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestGet,
	}
}

func newRequestDecisionCmd(use string, kind approval.DecisionKind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			return runRequestDecision(cmd, args[0], kind, note)
		},
	}
	cmd.Flags().String("by", "cli", "Decision maker")
	cmd.Flags().String("note", "", "Decision note")
	return cmd
}

func newRequestMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Answer a pending request with a message instead of a verdict",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestDecision(cmd, args[0], approval.DecisionMessage, strings.Join(args[1:], " "))
		},
	}
	cmd.Flags().String("by", "cli", "Decision maker")
	return cmd
}

func newRequestExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue requests and purge records past retention",
		Args:  cobra.NoArgs,
		RunE:  runRequestExpire,
	}
}

func newRequestRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestRemove,
	}
}

func parseStatusFilter(raw string) (approval.Status, error) {
	status := approval.Status(strings.ToLower(strings.TrimSpace(raw)))
	if status == "" || status == approval.StatusPending || status.Terminal() {
		return status, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

func runRequestList(cmd *cobra.Command, args []string) error {
	rawStatus, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	status, err := parseStatusFilter(rawStatus)
	if err != nil {
		return err
	}

	rt, err := loadLocalRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	requests, err := rt.svc.List(cmd.Context(), approval.Query{Status: status, Limit: limit})
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("No requests.")
		return nil
	}

	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1).
				MarginBottom(1)

		wID      = 36
		wTool    = 12
		wRisk    = 9
		wStatus  = 9
		wExpires = 20
		wCommand = 40

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8E4EC6")).
				Bold(true).
				MarginRight(1)

		idStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(wID).
			MarginRight(1)
		cellStyle = lipgloss.NewStyle().MarginRight(1)
	)

	fmt.Println(headerStyle.Render("Permission Requests"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wTool).Render("TOOL"),
		colHeaderStyle.Width(wRisk).Render("RISK"),
		colHeaderStyle.Width(wStatus).Render("STATUS"),
		colHeaderStyle.Width(wExpires).Render("EXPIRES"),
		colHeaderStyle.Width(wCommand).Render("COMMAND"),
	)
	fmt.Printf("  %s\n", headers)

	for _, rec := range requests {
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			idStyle.Render(rec.ID()),
			cellStyle.Width(wTool).Render(render.Truncate(rec.Request.Tool, wTool)),
			cellStyle.Width(wRisk).Foreground(riskColor(rec.Request.RiskLevel)).Render(string(rec.Request.RiskLevel)),
			cellStyle.Width(wStatus).Foreground(statusColor(rec.Status)).Render(string(rec.Status)),
			cellStyle.Width(wExpires).Render(rec.Request.ExpiresAt.Local().Format("2006-01-02 15:04:05")),
			cellStyle.Width(wCommand).Render(render.Truncate(oneLine(rec.Request.Command), wCommand)),
		)
		fmt.Printf("  %s\n", row)
	}

	fmt.Println()
	return nil
}

func runRequestGet(cmd *cobra.Command, args []string) error {
	rt, err := loadLocalRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.svc.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("request %s not found", args[0])
	}

	fmt.Println(render.Title(rec))
	for _, f := range render.Fields(rec) {
		fmt.Printf("  %s: %s\n", f.Label, f.Value)
	}
	fmt.Printf("  Risk: %s\n", rec.Request.RiskLevel)
	fmt.Printf("  Status: %s\n", render.StatusLine(rec))
	if msg := render.DecisionMessage(rec); msg != "" {
		fmt.Printf("  Message: %s\n", msg)
	}
	return nil
}

func runRequestDecision(cmd *cobra.Command, id string, kind approval.DecisionKind, note string) error {
	by, _ := cmd.Flags().GetString("by")

	rt, err := loadLocalRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.svc.Decide(cmd.Context(), approval.DecideInput{
		ID:        id,
		Kind:      string(kind),
		Responder: strings.TrimSpace(by),
		Message:   strings.TrimSpace(note),
	})
	level, text := channel.Feedback(out, err)
	if err != nil {
		return fmt.Errorf("%s: %w", text, err)
	}
	if level == channel.ToastWarning {
		return fmt.Errorf("request %s: %s", id, strings.ToLower(text))
	}
	fmt.Printf("Request %s: %s\n", id, text)
	return nil
}

func runRequestExpire(cmd *cobra.Command, args []string) error {
	rt, err := loadLocalRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	expired, purged := sweepOnce(ctx, rt.svc)
	fmt.Printf("Expired %d request(s), purged %d record(s).\n", expired, purged)
	return nil
}

func runRequestRemove(cmd *cobra.Command, args []string) error {
	rt, err := loadLocalRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.svc.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Request %s removed.\n", args[0])
	return nil
}

func riskColor(level approval.RiskLevel) lipgloss.Color {
	switch level {
	case approval.RiskCritical:
		return lipgloss.Color("#E5484D")
	case approval.RiskHigh:
		return lipgloss.Color("#F76B15")
	case approval.RiskMedium:
		return lipgloss.Color("#FFC53D")
	default:
		return lipgloss.Color("#2E8B57")
	}
}

func statusColor(status approval.Status) lipgloss.Color {
	switch status {
	case approval.StatusApproved:
		return lipgloss.Color("#2E8B57")
	case approval.StatusDenied:
		return lipgloss.Color("#E5484D")
	case approval.StatusMessage:
		return lipgloss.Color("#0090FF")
	case approval.StatusPending:
		return lipgloss.Color("#FFC53D")
	default:
		return lipgloss.Color("241")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
