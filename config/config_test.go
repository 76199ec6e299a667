package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/net/protocol"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, protocol.DefaultListeners, cfg.Broker.Listeners)
	assert.Equal(t, protocol.DefaultServers, cfg.Broker.Servers)
	assert.Equal(t, 0, cfg.Broker.MaxRunsPerMinute)
	assert.Equal(t, 4, cfg.Worker.Tasks)
	assert.Equal(t, "amqp://localhost", cfg.Bus.URL)
	assert.Equal(t, 4, cfg.Bus.Tasks)
	assert.False(t, cfg.TLS.Enabled)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadIsCached(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first, err := Load()
	require.NoError(t, err)

	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[log]
json = true
verbosity = 2

[worker]
broker = "tcp://[::1]:9999/"
tasks = 8

[broker]
max_runs_per_minute = 60

[bus]
url = "amqp://rabbit.internal"
queue = "reasonchip"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 2, cfg.Log.Verbosity)
	assert.Equal(t, "tcp://[::1]:9999/", cfg.Worker.Broker)
	assert.Equal(t, 8, cfg.Worker.Tasks)
	assert.Equal(t, 60, cfg.Broker.MaxRunsPerMinute)
	assert.Equal(t, "amqp://rabbit.internal", cfg.Bus.URL)
	assert.Equal(t, "reasonchip", cfg.Bus.Queue)

	// Unspecified sections keep their defaults.
	assert.Equal(t, protocol.DefaultListeners, cfg.Broker.Listeners)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	assert.Error(t, err)
}
