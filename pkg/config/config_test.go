package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv(EnvToken, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "local", cfg.StorageMode())
	assert.Equal(t, "@every 30s", cfg.SyncSchedule())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 5, cfg.ReconnectAttempts())
	assert.Equal(t, time.Second, cfg.ReconnectDelay())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
data_dir = "/tmp/docsync"
mode = "REMOTE"

[remote]
server_url = "https://sync.example.com/"
workspace_id = "ws-1"
token = "from-file"
request_timeout = "3s"
reconnect_attempts = 2
reconnect_delay = "nonsense"

[sync]
schedule = "@every 5m"

[logging]
level = "debug"
`), 0o600))
	t.Setenv(EnvToken, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	dir, err := cfg.StorageDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/docsync", dir)
	assert.Equal(t, "remote", cfg.StorageMode())
	assert.Equal(t, "https://sync.example.com", cfg.ServerURL())
	assert.Equal(t, "ws-1", cfg.Remote.WorkspaceID)
	assert.Equal(t, "from-env", cfg.Remote.Token)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 2, cfg.ReconnectAttempts())
	assert.Equal(t, time.Second, cfg.ReconnectDelay(), "unparseable durations fall back")
	assert.Equal(t, "@every 5m", cfg.SyncSchedule())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, "127.0.0.1:8080", cfg.RelayAddress())
}

func TestLoadRejectsBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage\nmode = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
	_, err = Load(" ")
	assert.Error(t, err)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/docsync.toml")
	p, err := Path()
	require.NoError(t, err)
	assert.Equal(t, "/etc/docsync.toml", p)
}
