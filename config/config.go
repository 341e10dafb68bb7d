package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// BackendMemory keeps the remote log in process. Useful for demos and tests.
	BackendMemory = "memory"
	// BackendRedis uses a Redis relay as the remote log.
	BackendRedis = "redis"
	// DefaultMessageLimit is the per-conversation message window size.
	DefaultMessageLimit = 100
	// DefaultBatchLimit is the largest read-receipt batch committed at once.
	DefaultBatchLimit = 500
	// FormatConsole writes human readable log lines.
	FormatConsole = "console"
	// FormatJSON writes one JSON object per log line.
	FormatJSON = "json"

	configFileName = "config.toml"

	envDataDir = "CHATSYNC_DATA_DIR"
	envUserID  = "CHATSYNC_USER_ID"
)

// Config contains persistent local-device settings.
type Config struct {
	UserID     string       `toml:"user_id"`
	DeviceID   string       `toml:"device_id"`
	DeviceName string       `toml:"device_name"`
	Remote     RemoteConfig `toml:"remote"`
	Sync       SyncConfig   `toml:"sync"`
	Log        LogConfig    `toml:"log"`
}

// RemoteConfig selects the remote log backend.
type RemoteConfig struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	// Discover browses mDNS for a relay when RedisAddr is empty.
	Discover bool `toml:"discover"`
}

// SyncConfig holds sync and read-status tuning.
type SyncConfig struct {
	MessageLimit int `toml:"message_limit"`
	BatchLimit   int `toml:"batch_limit"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// LoadEnv loads a .env file from the working directory when one exists.
// Variables already set in the environment win.
func LoadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads and unmarshals config.toml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.toml to disk.
func Save(path string, cfg *Config) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with environment overrides applied, its path and the data directory.
// Overrides are not written back to disk.
func LoadOrCreate() (*Config, string, string, error) {
	if err := LoadEnv(); err != nil {
		return nil, "", "", err
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	case err != nil:
		return nil, "", "", err
	default:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", "", err
			}
		}
	}

	applyEnv(cfg)
	return cfg, cfgPath, dataDir, nil
}

// Validate reports settings that cannot run.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is not set (edit the config or set %s)", envUserID)
	}
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Remote.RedisAddr == "" && !c.Remote.Discover {
			return errors.New("remote.redis_addr is empty and remote.discover is off")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q", c.Remote.Backend)
	}
	return nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "chatsync device"
}

func applyEnv(cfg *Config) {
	if userID := strings.TrimSpace(os.Getenv(envUserID)); userID != "" {
		cfg.UserID = userID
	}
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	backend := normalizeBackend(cfg.Remote.Backend)
	if backend == "" {
		if cfg.Remote.RedisAddr != "" {
			backend = BackendRedis
		} else {
			backend = BackendMemory
		}
	}
	if cfg.Remote.Backend != backend {
		cfg.Remote.Backend = backend
		updated = true
	}

	if cfg.Sync.MessageLimit <= 0 {
		cfg.Sync.MessageLimit = DefaultMessageLimit
		updated = true
	}
	if cfg.Sync.BatchLimit <= 0 || cfg.Sync.BatchLimit > DefaultBatchLimit {
		cfg.Sync.BatchLimit = DefaultBatchLimit
		updated = true
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
		updated = true
	}
	format := normalizeFormat(cfg.Log.Format)
	if cfg.Log.Format != format {
		cfg.Log.Format = format
		updated = true
	}

	return updated
}

func normalizeBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return BackendMemory
	case BackendRedis:
		return BackendRedis
	default:
		return ""
	}
}

func normalizeFormat(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return FormatJSON
	}
	return FormatConsole
}
