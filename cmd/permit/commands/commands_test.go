package commands

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MEKXH/permit/internal/config"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	_ = r.Close()

	return buf.String()
}

// prepareHome points the config directory at a temp HOME and writes a config
// using the JSON file store, which needs no cgo.
func prepareHome(t *testing.T, mutate func(cfg *config.Config)) *config.Config {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cfg := config.DefaultConfig()
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(config.ConfigDir(), "requests.json")
	cfg.Audit.Path = filepath.Join(config.ConfigDir(), "audit", "requests.jsonl")
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return cfg
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	root.SetArgs(args)
	var runErr error
	out := captureOutput(t, func() {
		runErr = root.Execute()
	})
	return out, runErr
}
