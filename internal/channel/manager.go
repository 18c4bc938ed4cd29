package channel

import (
	"context"
	"log/slog"
	"sync"
)

// Manager coordinates all listeners
type Manager struct {
	listeners map[string]Listener
	mu        sync.RWMutex
}

// NewManager creates a listener manager
func NewManager() *Manager {
	return &Manager{listeners: make(map[string]Listener)}
}

// Register adds a listener
func (m *Manager) Register(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[l.Name()] = l
}

// Names returns registered listener names
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.listeners))
	for name := range m.listeners {
		names = append(names, name)
	}
	return names
}

// StartAll starts all listeners. Start blocks for long-poll listeners, so each runs on its own goroutine.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, l := range m.listeners {
		go func(n string, l Listener) {
			slog.Info("starting listener", "name", n)
			if err := l.Start(ctx); err != nil {
				slog.Error("listener error", "name", n, "error", err)
			}
		}(name, l)
	}
}

// StopAll stops all listeners
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, l := range m.listeners {
		if err := l.Stop(ctx); err != nil {
			slog.Warn("stop listener failed", "name", name, "error", err)
		}
	}
}
