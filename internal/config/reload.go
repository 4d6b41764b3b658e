// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Change is delivered to listeners after a successful reload.
type Change struct {
	Old, New AppConfig
	Nodes    NodeDiff
	Restart  []string
}

// Holder keeps the current configuration and reloads it from disk.
type Holder struct {
	mu       sync.RWMutex
	current  AppConfig
	loader   *Loader
	logger   zerolog.Logger
	debounce time.Duration

	listenMu  sync.RWMutex
	listeners []chan<- Change
}

func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		debounce: reloadDebounce,
	}
}

func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// RegisterListener adds ch to the reload notifications. Sends never block;
// a full channel misses the change.
func (h *Holder) RegisterListener(ch chan<- Change) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload loads the configuration again. On error the current one is kept.
func (h *Holder) Reload() error {
	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("configuration reload failed")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = next
	h.mu.Unlock()

	change := Change{Old: old, New: next, Nodes: DiffNodes(old.Nodes, next.Nodes), Restart: RestartFields(old, next)}
	if len(change.Restart) > 0 {
		h.logger.Warn().
			Strs("sections", change.Restart).
			Str("event", "config.restart_required").
			Msg("changed sections take effect after restart")
	}
	h.logger.Info().
		Int("nodes_added", len(change.Nodes.Added)).
		Int("nodes_removed", len(change.Nodes.Removed)).
		Str("event", "config.reloaded").
		Msg("configuration reloaded")

	h.listenMu.RLock()
	defer h.listenMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- change:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, change dropped")
		}
	}
	return nil
}

// Watch reloads whenever the config file changes and blocks until ctx ends.
// The parent directory is watched so editors that replace the file are seen.
func (h *Holder) Watch(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("no config file, watcher disabled")
		<-ctx.Done()
		return nil
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.logger.Info().Str("path", path).Str("event", "config.watcher_started").Msg("watching config file")

	var (
		timer    *time.Timer
		debounce <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.debounce)
			} else {
				timer.Reset(h.debounce)
			}
			debounce = timer.C
		case <-debounce:
			debounce = nil
			_ = h.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
