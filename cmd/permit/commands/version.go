package commands

import (
	"fmt"
	"runtime"

	"github.com/MEKXH/permit/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of Permit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "permit %s %s/%s\n", version.Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
