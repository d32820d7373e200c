// Package config loads the docsync TOML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	appDirName = ".docsync"

	EnvConfigPath = "DOCSYNC_CONFIG"
	EnvToken      = "DOCSYNC_TOKEN"

	defaultMode              = "local"
	defaultServerURL         = "http://127.0.0.1:8080"
	defaultRequestTimeout    = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultSchedule          = "@every 30s"
	defaultRelayAddress      = "127.0.0.1:8080"
	defaultRelayDatabase     = "relay.sqlite3"
)

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
	Mode    string `toml:"mode"`
}

type RemoteConfig struct {
	ServerURL         string `toml:"server_url"`
	WorkspaceID       string `toml:"workspace_id"`
	Token             string `toml:"token"`
	ClientVersion     string `toml:"client_version"`
	RequestTimeout    string `toml:"request_timeout"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	ReconnectDelay    string `toml:"reconnect_delay"`
}

type SyncConfig struct {
	Schedule string `toml:"schedule"`
}

type RelayConfig struct {
	Address  string `toml:"address"`
	Database string `toml:"database"`
	Token    string `toml:"token"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{Mode: defaultMode},
		Remote: RemoteConfig{
			ServerURL:         defaultServerURL,
			RequestTimeout:    defaultRequestTimeout.String(),
			ReconnectAttempts: defaultReconnectAttempts,
			ReconnectDelay:    defaultReconnectDelay.String(),
		},
		Sync:    SyncConfig{Schedule: defaultSchedule},
		Relay:   RelayConfig{Address: defaultRelayAddress, Database: defaultRelayDatabase},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DataDir is the default base directory for configuration and local data.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// Path returns $DOCSYNC_CONFIG or the config.toml in the data directory.
func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config at path on top of the defaults. A missing file yields the defaults.
// DOCSYNC_TOKEN overrides the remote token.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	} else if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		cfg.Remote.Token = token
	}
	return cfg, nil
}

func (c Config) StorageDir() (string, error) {
	if dir := strings.TrimSpace(c.Storage.DataDir); dir != "" {
		return dir, nil
	}
	return DataDir()
}

func (c Config) StorageMode() string {
	switch mode := strings.ToLower(strings.TrimSpace(c.Storage.Mode)); mode {
	case "local", "remote":
		return mode
	default:
		return defaultMode
	}
}

func (c Config) ServerURL() string {
	u := strings.TrimRight(strings.TrimSpace(c.Remote.ServerURL), "/")
	if u == "" {
		return defaultServerURL
	}
	return u
}

func (c Config) RequestTimeout() time.Duration {
	return parseDuration(c.Remote.RequestTimeout, defaultRequestTimeout)
}

func (c Config) ReconnectAttempts() int {
	if c.Remote.ReconnectAttempts <= 0 {
		return defaultReconnectAttempts
	}
	return c.Remote.ReconnectAttempts
}

func (c Config) ReconnectDelay() time.Duration {
	return parseDuration(c.Remote.ReconnectDelay, defaultReconnectDelay)
}

func (c Config) SyncSchedule() string {
	if s := strings.TrimSpace(c.Sync.Schedule); s != "" {
		return s
	}
	return defaultSchedule
}

func (c Config) RelayAddress() string {
	if a := strings.TrimSpace(c.Relay.Address); a != "" {
		return a
	}
	return defaultRelayAddress
}

func (c Config) RelayDatabase() string {
	if d := strings.TrimSpace(c.Relay.Database); d != "" {
		return d
	}
	return defaultRelayDatabase
}

// LogLevel maps the configured level name onto slog, defaulting to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
