// Package storage selects and opens the request store backend.
package storage

import (
	"fmt"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/clock"
	"github.com/MEKXH/permit/internal/config"
	"github.com/MEKXH/permit/internal/storage/file"
	"github.com/MEKXH/permit/internal/storage/memory"
	"github.com/MEKXH/permit/internal/storage/sqlite"
)

// Open builds the backend named by cfg.Store. It is called once at startup and
// the result injected into the lifecycle service.
func Open(cfg *config.Config, now clock.Func) (approval.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	grace := cfg.Grace()
	switch cfg.Store.Backend {
	case "", "memory":
		return memory.New(memory.WithClock(now)), nil
	case "sqlite":
		store, err := sqlite.New(cfg.Store.Path, grace, sqlite.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "file":
		store, err := file.New(cfg.Store.Path, grace, file.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
