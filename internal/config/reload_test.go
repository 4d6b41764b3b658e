// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_ReloadKeepsOldOnError(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	changes := make(chan Change, 1)
	h.RegisterListener(changes)

	require.NoError(t, os.WriteFile(path, []byte(minimalYAML+"bogus: 1\n"), 0o600))
	assert.Error(t, h.Reload())
	assert.Equal(t, initial, h.Get())
	assert.Empty(t, changes)

	second := minimalYAML + `  - name: backup
    host: lava-2.internal
`
	require.NoError(t, os.WriteFile(path, []byte(second), 0o600))
	require.NoError(t, h.Reload())
	assert.Len(t, h.Get().Nodes, 2)

	change := <-changes
	require.Len(t, change.Nodes.Added, 1)
	assert.Equal(t, "backup", change.Nodes.Added[0].Name)
	assert.Empty(t, change.Nodes.Removed)
	assert.Empty(t, change.Restart)
}

func TestHolder_ListenerNeverBlocks(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	h.RegisterListener(make(chan Change))
	assert.NoError(t, h.Reload())
}

func TestHolder_WatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	h.debounce = 20 * time.Millisecond
	changes := make(chan Change, 8)
	h.RegisterListener(changes)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	updated := []byte(minimalYAML + "pool:\n  reconnectTries: 7\n")
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, updated, 0o600))
		select {
		case change := <-changes:
			assert.Equal(t, 7, change.New.Pool.ReconnectTries)
			assert.Equal(t, []string{"Pool"}, change.Restart)
			assert.Equal(t, 7, h.Get().Pool.ReconnectTries)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestHolder_WatchWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, h.Watch(ctx))
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lavapool.yaml")
	require.NoError(t, WriteExample(path, false))
	assert.ErrorIs(t, WriteExample(path, false), ErrExists)
	require.NoError(t, WriteExample(path, true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv("LAVAPOOL_DISCORD_TOKEN", "token")
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	example := Example()
	assert.Equal(t, example.Nodes, cfg.Nodes)
	assert.Equal(t, example.Pool, cfg.Pool)
}
