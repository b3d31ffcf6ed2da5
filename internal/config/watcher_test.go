package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher(t *testing.T) {
	t.Run("reloads on write", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("consensus:\n  max_rounds: 3\n"), 0644))

		reloaded := make(chan *Config, 4)
		w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
		require.NoError(t, err)
		w.debounce = 20 * time.Millisecond
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("consensus:\n  max_rounds: 5\n"), 0644))

		select {
		case cfg := <-reloaded:
			assert.Equal(t, 5, cfg.Consensus.MaxRounds)
		case <-time.After(5 * time.Second):
			t.Fatal("config was not reloaded")
		}
	})

	t.Run("invalid file keeps the previous config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("consensus:\n  max_rounds: 3\n"), 0644))

		reloaded := make(chan *Config, 4)
		w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
		require.NoError(t, err)
		w.debounce = 20 * time.Millisecond
		require.NoError(t, w.Start())
		defer w.Stop()

		// max_rounds 0 fails validation; the callback must not fire.
		require.NoError(t, os.WriteFile(path, []byte("consensus:\n  max_rounds: 0\n"), 0644))

		select {
		case cfg := <-reloaded:
			t.Fatalf("invalid config was delivered: %+v", cfg)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		w, err := NewWatcher(path, func(*Config) {}, nil)
		require.NoError(t, err)
		require.NoError(t, w.Start())
		require.NoError(t, w.Stop())
		assert.NoError(t, w.Stop())
	})

	t.Run("unrelated files in the directory are ignored", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("consensus:\n  max_rounds: 3\n"), 0644))

		reloaded := make(chan *Config, 4)
		w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
		require.NoError(t, err)
		w.debounce = 20 * time.Millisecond
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

		select {
		case <-reloaded:
			t.Fatal("unrelated file triggered a reload")
		case <-time.After(300 * time.Millisecond):
		}
	})
}
