// Package config reads gradesync's process configuration from
// ~/.config/gradesync/config.json with GRADESYNC_* environment overrides.
// Storage mode and auto-sync settings are not here: they live in the
// Local Store and are owned by the settings controller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/marcus/gradesync/internal/remote"
)

// RemoteConfig selects the hosted backend.
type RemoteConfig struct {
	Kind     string `json:"kind,omitempty"` // functions, postgres, s3, memory
	URL      string `json:"url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	DSN      string `json:"dsn,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// APIConfig configures the local HTTP API served by the daemon.
type APIConfig struct {
	Addr string `json:"addr,omitempty"`
}

// SyncConfig holds process-level sync tuning.
type SyncConfig struct {
	ProbeInterval string `json:"probe_interval,omitempty"` // duration string, default "30s"
	Debounce      string `json:"debounce,omitempty"`       // duration string, default "3s"
}

// Config is the file at ~/.config/gradesync/config.json.
type Config struct {
	DataDir   string       `json:"data_dir,omitempty"`
	SchoolID  string       `json:"school_id,omitempty"`
	LogLevel  string       `json:"log_level,omitempty"`
	LogFormat string       `json:"log_format,omitempty"`
	Remote    RemoteConfig `json:"remote"`
	API       APIConfig    `json:"api"`
	Sync      SyncConfig   `json:"sync"`
}

const (
	envPrefix            = "GRADESYNC_"
	defaultAPIAddr       = "127.0.0.1:7420"
	defaultProbeInterval = 30 * time.Second
	defaultDebounce      = 3 * time.Second
)

// LoadDotEnv loads a .env file from the working directory into the
// environment. Variables already set win; a missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ConfigDir returns ~/.config/gradesync (or GRADESYNC_CONFIG_DIR).
func ConfigDir() (string, error) {
	if v := os.Getenv(envPrefix + "CONFIG_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "gradesync"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config file. A missing file yields an empty config.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to the config file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	// API keys and DSNs may carry credentials.
	return os.WriteFile(path, data, 0600)
}

// pick returns the env override, then the file value, then def.
func pick(envKey, fileValue, def string) string {
	if v := os.Getenv(envPrefix + envKey); v != "" {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	return def
}

func pickDuration(envKey, fileValue string, def time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if fileValue != "" {
		if d, err := time.ParseDuration(fileValue); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// GetDataDir returns the Local Store directory.
// Priority: GRADESYNC_DATA_DIR env > data_dir > ~/.local/share/gradesync.
func (c *Config) GetDataDir() string {
	def := "gradesync-data"
	if home, err := os.UserHomeDir(); err == nil {
		def = filepath.Join(home, ".local", "share", "gradesync")
	}
	return expandHome(pick("DATA_DIR", c.DataDir, def))
}

// GetSchoolID returns the school scope for downloads and listings.
func (c *Config) GetSchoolID() string {
	return pick("SCHOOL_ID", c.SchoolID, "")
}

// GetLogLevel returns the log level name (default "info").
func (c *Config) GetLogLevel() string {
	return strings.ToLower(pick("LOG_LEVEL", c.LogLevel, "info"))
}

// GetLogFormat returns "text" or "json" (default "text").
func (c *Config) GetLogFormat() string {
	return strings.ToLower(pick("LOG_FORMAT", c.LogFormat, "text"))
}

// GetRemote returns the backend settings with env overrides applied.
func (c *Config) GetRemote() RemoteConfig {
	return RemoteConfig{
		Kind:     strings.ToLower(pick("REMOTE_KIND", c.Remote.Kind, "")),
		URL:      pick("REMOTE_URL", c.Remote.URL, ""),
		APIKey:   pick("REMOTE_API_KEY", c.Remote.APIKey, ""),
		DSN:      pick("REMOTE_DSN", c.Remote.DSN, ""),
		Bucket:   pick("REMOTE_BUCKET", c.Remote.Bucket, ""),
		Region:   pick("REMOTE_REGION", c.Remote.Region, ""),
		Endpoint: pick("REMOTE_ENDPOINT", c.Remote.Endpoint, ""),
		Prefix:   pick("REMOTE_PREFIX", c.Remote.Prefix, ""),
	}
}

// RemoteBackend converts GetRemote into the remote package's config.
func (c *Config) RemoteBackend() remote.Config {
	r := c.GetRemote()
	return remote.Config{
		Kind:     r.Kind,
		URL:      r.URL,
		APIKey:   r.APIKey,
		DSN:      r.DSN,
		Bucket:   r.Bucket,
		Region:   r.Region,
		Endpoint: r.Endpoint,
		Prefix:   r.Prefix,
	}
}

// GetAPIAddr returns the daemon's listen address.
func (c *Config) GetAPIAddr() string {
	return pick("API_ADDR", c.API.Addr, defaultAPIAddr)
}

// GetProbeInterval returns how often the daemon pings the remote.
func (c *Config) GetProbeInterval() time.Duration {
	return pickDuration("PROBE_INTERVAL", c.Sync.ProbeInterval, defaultProbeInterval)
}

// GetDebounce returns the delay between a mutation and its triggered pass.
func (c *Config) GetDebounce() time.Duration {
	return pickDuration("SYNC_DEBOUNCE", c.Sync.Debounce, defaultDebounce)
}

// Set assigns a dotted key such as "remote.kind". Unknown keys are errors.
func (c *Config) Set(key, value string) error {
	switch key {
	case "data_dir":
		c.DataDir = value
	case "school_id":
		c.SchoolID = value
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	case "remote.kind":
		c.Remote.Kind = value
	case "remote.url":
		c.Remote.URL = value
	case "remote.api_key":
		c.Remote.APIKey = value
	case "remote.dsn":
		c.Remote.DSN = value
	case "remote.bucket":
		c.Remote.Bucket = value
	case "remote.region":
		c.Remote.Region = value
	case "remote.endpoint":
		c.Remote.Endpoint = value
	case "remote.prefix":
		c.Remote.Prefix = value
	case "api.addr":
		c.API.Addr = value
	case "sync.probe_interval", "sync.debounce":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "sync.debounce" {
			c.Sync.Debounce = value
		} else {
			c.Sync.ProbeInterval = value
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
