// Package config loads and validates engine configuration, grounded on the
// teacher's cmd/client/main.go viper wiring (config file search path +
// SYNCD_* env overrides + godotenv for local .env files) but generalized
// from one hardcoded client config into the full set of options
// internal/sync.SyncOptions needs at engine construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SYNCD"

// Config is the top-level engine configuration, loaded from a config file
// (yaml/json/toml, auto-detected by viper), environment variables prefixed
// SYNCD_, and defaults. Viper's own precedence applies: env > config file >
// default, matching the teacher's bindWithDefaults.
type Config struct {
	LocalRoot  string `mapstructure:"local_root"`
	RemoteRoot string `mapstructure:"remote_root"`
	StorePath  string `mapstructure:"store_path"`
	StoreKind  string `mapstructure:"store_kind"` // "sqlite" or "bolt"

	MaxConcurrentTransfers int    `mapstructure:"max_concurrent_transfers"`
	MaxBytesPerSecond      int64  `mapstructure:"max_bytes_per_second"`
	ConflictResolution     string `mapstructure:"conflict_resolution"`
	ChecksumOnly           bool   `mapstructure:"checksum_only"`
	SizeOnly               bool   `mapstructure:"size_only"`
	DeleteExtraneous       bool   `mapstructure:"delete_extraneous"`
	UpdateExisting         bool   `mapstructure:"update_existing"`
	DryRun                 bool   `mapstructure:"dry_run"`
	Verbose                bool   `mapstructure:"verbose"`

	ExcludePatterns []string `mapstructure:"exclude_patterns"`

	WatchEnabled    bool          `mapstructure:"watch_enabled"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
	FullSyncEvery   time.Duration `mapstructure:"full_sync_every"`
	HistoryRetained time.Duration `mapstructure:"history_retained"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Defaults returns a Config with fallback values. MaxConcurrentTransfers,
// ConflictResolution and FullSyncEvery match the engine's own fallbacks for
// a zero value; WatchDebounce and HistoryRetained are not read by the
// engine (the watcher uses a fixed 50 ms debounce window, and history is
// never purged automatically).
func Defaults() Config {
	return Config{
		StoreKind:              "sqlite",
		MaxConcurrentTransfers: 4,
		ConflictResolution:     "prefer_newer",
		WatchDebounce:          500 * time.Millisecond,
		FullSyncEvery:          5 * time.Minute,
		HistoryRetained:        30 * 24 * time.Hour,
		LogLevel:               "info",
	}
}

// Load reads configuration from configPath (if non-empty), then SYNCD_*
// environment overrides, then an optional .env file, falling back to
// Defaults() for anything left unset. Mirrors the teacher's viper search
// path (explicit file, then ~/.syftbox, then ~/.config/syftbox) adapted to
// a single explicit path since syncd is embeddable, not just a CLI.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // best effort; absent .env is not an error

	v := viper.New()
	def := Defaults()
	v.SetDefault("store_kind", def.StoreKind)
	v.SetDefault("max_concurrent_transfers", def.MaxConcurrentTransfers)
	v.SetDefault("conflict_resolution", def.ConflictResolution)
	v.SetDefault("watch_debounce", def.WatchDebounce)
	v.SetDefault("full_sync_every", def.FullSyncEvery)
	v.SetDefault("history_retained", def.HistoryRetained)
	v.SetDefault("log_level", def.LogLevel)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields, fills in a default worker count, and
// resolves local_root to an absolute path.
func (c *Config) Validate() error {
	if c.LocalRoot == "" {
		return fmt.Errorf("config: local_root is required")
	}
	if c.RemoteRoot == "" {
		return fmt.Errorf("config: remote_root is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	switch c.StoreKind {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("config: unsupported store_kind %q", c.StoreKind)
	}
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = Defaults().MaxConcurrentTransfers
	}
	abs, err := filepath.Abs(c.LocalRoot)
	if err != nil {
		return fmt.Errorf("config: resolve local_root: %w", err)
	}
	c.LocalRoot = abs
	return nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
