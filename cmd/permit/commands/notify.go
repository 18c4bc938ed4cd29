package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/client"
	"github.com/MEKXH/permit/internal/config"
	"github.com/spf13/cobra"
)

func NewNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Relay a free-standing message to the approver chat",
		Args:  cobra.NoArgs,
		RunE:  runNotify,
	}
	cmd.Flags().String("type", string(approval.NoticeCompletion), "Message type (completion|status|question)")
	cmd.Flags().String("title", "", "Message title (required)")
	cmd.Flags().String("content", "", "Message body (required)")
	cmd.Flags().String("project", "", "Project label (defaults to the current directory name)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func runNotify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	noticeType, _ := cmd.Flags().GetString("type")
	title, _ := cmd.Flags().GetString("title")
	content, _ := cmd.Flags().GetString("content")
	project, _ := cmd.Flags().GetString("project")
	if strings.TrimSpace(project) == "" {
		if abs, err := filepath.Abs("."); err == nil {
			project = filepath.Base(abs)
		}
	}

	c := client.New(cfg.Client.URL, cfg.Client.Token)
	id, err := c.SendNotice(cmd.Context(), approval.Notice{
		Type:    approval.NoticeType(strings.ToLower(strings.TrimSpace(noticeType))),
		Title:   title,
		Content: content,
		Project: project,
	})
	if err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message sent: %s\n", id)
	return nil
}
