package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the config at configPath whenever it, or one of extraPaths,
// changes on disk and passes the result to onChange. Invalid edits are logged
// and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, configPath string, extraPaths []string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the parent directories.
	targets := map[string]struct{}{filepath.Clean(configPath): {}}
	dirs := map[string]struct{}{filepath.Dir(configPath): {}}
	for _, p := range extraPaths {
		if p == "" {
			continue
		}
		targets[filepath.Clean(p)] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("config watch: cannot watch directory", "dir", dir, "error", err)
		}
	}

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			cfg, err := LoadFrom(configPath)
			if err != nil {
				slog.Warn("config reload failed", "path", configPath, "error", err)
				return
			}
			onChange(cfg)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, ok := targets[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "error", err)
		}
	}
}
