package commands

import (
	"github.com/MEKXH/permit/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "permit",
		Short:        "Permit - chat-relayed permission gate for automation agents",
		Long:         `Permit holds an agent's tool call until a human approves, denies or answers it from a chat app.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, logSinkFor(cmd))
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, logSinkFor(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewServeCmd(),
		NewStatusCmd(),
		NewRequestCmd(),
		NewHookCmd(),
		NewNotifyCmd(),
		NewVersionCmd(),
	)

	return cmd
}
