package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/client"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/gateway"
	"github.com/spf13/cobra"
)

// waitSlack covers clock skew between the hook and the relay.
const waitSlack = 5 * time.Second

// Hook permission decisions.
const (
	hookAllow = "allow"
	hookDeny  = "deny"
	hookAsk   = "ask"
)

type hookInput struct {
	SessionID string         `json:"session_id"`
	Cwd       string         `json:"cwd"`
	EventName string         `json:"hook_event_name"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

type hookOutput struct {
	HookSpecificOutput hookDecision `json:"hookSpecificOutput"`
}

type hookDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

func NewHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "Gate a PreToolUse hook payload on stdin through the relay",
		Long: `Reads a PreToolUse hook payload from stdin, asks the relay for permission and
prints the hook decision. Expiry and relay errors fall back to "ask".`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{quietLogAnnotation: ""},
		RunE:        runHook,
	}
}

func runHook(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var in hookInput
	if err := json.NewDecoder(cmd.InOrStdin()).Decode(&in); err != nil {
		return fmt.Errorf("decode hook payload: %w", err)
	}

	c := client.New(cfg.Client.URL, cfg.Client.Token)
	decision := gate(cmd.Context(), c, cfg.Client, in)
	return writeHookDecision(cmd.OutOrStdout(), decision)
}

// gate never fails: anything other than an explicit verdict hands the
// decision back to the local user.
func gate(ctx context.Context, c *client.Client, cfg config.ClientConfig, in hookInput) hookDecision {
	created, err := c.Create(ctx, newCreateRequest(cfg, in))
	if err != nil {
		slog.Warn("permission request failed", "tool", in.ToolName, "error", err)
		if created != nil {
			// Nobody was told about it and the local user decides instead.
			if rmErr := c.Remove(ctx, created.RequestID); rmErr != nil {
				slog.Warn("remove unannounced request failed", "request_id", created.RequestID, "error", rmErr)
			}
		}
		return hookDecision{PermissionDecision: hookAsk, PermissionDecisionReason: "permit relay unavailable: " + err.Error()}
	}

	deadline := time.UnixMilli(created.ExpiresAt).Add(waitSlack)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	resp, err := c.Wait(waitCtx, created.RequestID, interval)
	if err != nil {
		slog.Warn("waiting for decision failed", "request_id", created.RequestID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return hookDecision{PermissionDecision: hookAsk, PermissionDecisionReason: "no decision before the request expired"}
		}
		return hookDecision{PermissionDecision: hookAsk, PermissionDecisionReason: "permit relay unavailable: " + err.Error()}
	}
	return decisionFor(resp)
}

func decisionFor(resp *gateway.PollResponse) hookDecision {
	switch resp.Status {
	case approval.StatusApproved:
		return hookDecision{PermissionDecision: hookAllow, PermissionDecisionReason: "approved via permit"}
	case approval.StatusDenied:
		reason := "denied via permit"
		if resp.Message != "" {
			reason += ": " + resp.Message
		}
		return hookDecision{PermissionDecision: hookDeny, PermissionDecisionReason: reason}
	case approval.StatusMessage:
		return hookDecision{PermissionDecision: hookDeny, PermissionDecisionReason: "message from approver: " + resp.Message}
	case approval.StatusExpired:
		return hookDecision{PermissionDecision: hookAsk, PermissionDecisionReason: "no decision before the request expired"}
	default:
		return hookDecision{PermissionDecision: hookAsk, PermissionDecisionReason: fmt.Sprintf("request %s", resp.Status)}
	}
}

func newCreateRequest(cfg config.ClientConfig, in hookInput) client.CreateRequest {
	req := client.CreateRequest{
		Tool:             strings.TrimSpace(in.ToolName),
		WorkingDirectory: in.Cwd,
		Args:             in.ToolInput,
		TimeoutMs:        int64(cfg.TimeoutMs),
	}
	req.Command = firstString(in.ToolInput, "command", "file_path", "url", "pattern")
	req.Description = firstString(in.ToolInput, "description")
	return req
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func writeHookDecision(w io.Writer, d hookDecision) error {
	d.HookEventName = "PreToolUse"
	enc := json.NewEncoder(w)
	return enc.Encode(hookOutput{HookSpecificOutput: d})
}
