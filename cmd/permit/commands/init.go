package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEKXH/permit/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Permit configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		config.ConfigDir(),
		filepath.Join(config.ConfigDir(), "state"),
		filepath.Dir(cfg.Store.Path),
		filepath.Dir(cfg.Audit.Path),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Permit initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Store: %s (%s)\n", cfg.Store.Path, cfg.Store.Backend)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to pick a notifier and set server.token\n", configPath)
	fmt.Printf("2. Run 'permit serve' to start the relay\n")
	fmt.Printf("3. Point the agent's PreToolUse hook at 'permit hook'\n")

	return nil
}
