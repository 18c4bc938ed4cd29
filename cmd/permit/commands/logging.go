package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/permit/internal/config"
	"github.com/spf13/cobra"
)

// quietLogAnnotation marks a command whose stderr is read by another program.
const quietLogAnnotation = "permit/quiet-log"

var (
	loggerMu      sync.Mutex
	activeLogFile *os.File
)

// logSink is where one command invocation writes diagnostics.
type logSink struct {
	// Stderr receives logs when no log file is configured. Stdout is never
	// used: it carries command output, and for the hook the decision JSON
	// the agent parses.
	Stderr io.Writer
	// Quiet raises the default level to warn. The agent shows hook stderr to
	// the user, so routine info lines would read as noise or failures there.
	// An explicit --log-level still wins.
	Quiet bool
}

func logSinkFor(cmd *cobra.Command) logSink {
	_, quiet := cmd.Annotations[quietLogAnnotation]
	return logSink{Stderr: cmd.ErrOrStderr(), Quiet: quiet}
}

// configureLogger installs the default slog handler for one command.
func configureLogger(cfg *config.Config, overrideLevel string, sink logSink) error {
	configLevel := cfg.Log.Level
	if sink.Quiet && strings.TrimSpace(overrideLevel) == "" {
		configLevel = quietLevel(configLevel)
	}
	level, err := parseLogLevel(configLevel, overrideLevel)
	if err != nil {
		return err
	}

	writer := sink.Stderr
	if writer == nil {
		writer = os.Stderr
	}
	logFilePath := strings.TrimSpace(cfg.Log.File)

	loggerMu.Lock()
	defer loggerMu.Unlock()

	if activeLogFile != nil && (logFilePath == "" || activeLogFile.Name() != logFilePath) {
		_ = activeLogFile.Close()
		activeLogFile = nil
	}

	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		if activeLogFile == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			activeLogFile = f
		}
		writer = activeLogFile
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// quietLevel keeps debug and error settings and lifts info to warn.
func quietLevel(configLevel string) string {
	switch strings.ToLower(strings.TrimSpace(configLevel)) {
	case "", "info":
		return "warn"
	default:
		return configLevel
	}
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(configLevel)
	if strings.TrimSpace(override) != "" {
		level = override
	}
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
}
