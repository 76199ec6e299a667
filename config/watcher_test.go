package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnChange(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\njson = false\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	defer w.Stop()

	var fired atomic.Int32
	w.OnReload(func(cfg *Config) error {
		fired.Add(1)
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[log]\njson = true\n"), 0o644))

	assert.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherMissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 100 * time.Millisecond
	defer w.Stop()

	var fired atomic.Int32
	w.OnReload(func(cfg *Config) error {
		fired.Add(1)
		return nil
	})
	w.Start()

	// A burst of writes collapses into one reload.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[log]\nverbosity = 1\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), int32(2))
}
