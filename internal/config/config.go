// Package config loads syncd configuration from syncd.yaml, SYNCD_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over the file).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// EnvPrefix is the prefix of environment overrides, e.g. SYNCD_SYNC_INTERVAL.
const EnvPrefix = "SYNCD"

// Config is the full syncd configuration.
type Config struct {
	Sync         SyncConfig         `mapstructure:"sync"`
	DeadLetter   DeadLetterConfig   `mapstructure:"deadletter"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Store        StoreConfig        `mapstructure:"store"`
	Log          LogConfig          `mapstructure:"log"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Identity     IdentityConfig     `mapstructure:"identity"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type SyncConfig struct {
	AutoSync    bool          `mapstructure:"auto_sync"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	BatchSize   int           `mapstructure:"batch_size"`
	PullLimit   int           `mapstructure:"pull_limit"`
	Lookback    time.Duration `mapstructure:"lookback"`
	Collections []string      `mapstructure:"collections"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

type DeadLetterConfig struct {
	MaxAge           time.Duration `mapstructure:"max_age"`
	MaxPerCollection int           `mapstructure:"max_per_collection"`
}

type RemoteConfig struct {
	URL             string        `mapstructure:"url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

type ConnectivityConfig struct {
	ProbeURL string        `mapstructure:"probe_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type IdentityConfig struct {
	UserID string `mapstructure:"user_id"`
}

// DefaultStorePath returns ~/.local/share/syncd/syncd.db, honoring XDG_DATA_HOME.
func DefaultStorePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "syncd", "syncd.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "syncd.db"
	}
	return filepath.Join(home, ".local", "share", "syncd", "syncd.db")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "syncd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "syncd")
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_delay", "5s")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.pull_limit", 100)
	v.SetDefault("sync.lookback", "720h")
	collections := make([]string, 0, 4)
	for _, c := range schema.DefaultCollections() {
		collections = append(collections, string(c))
	}
	v.SetDefault("sync.collections", collections)
	v.SetDefault("sync.max_parallel", 0)

	v.SetDefault("deadletter.max_age", "168h")
	v.SetDefault("deadletter.max_per_collection", 200)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("remote.retry_max_elapsed", "10s")

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", "10s")
	v.SetDefault("connectivity.timeout", "3s")

	v.SetDefault("store.path", DefaultStorePath())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("identity.user_id", "")
}

// New returns a viper instance with defaults, env binding and search paths.
// An explicit path disables the search.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	if dir := configDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	return v
}

// Load reads configuration. A missing config file is not an error unless
// path names it explicitly.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Connectivity.ProbeURL == "" && cfg.Remote.URL != "" {
		cfg.Connectivity.ProbeURL = strings.TrimRight(cfg.Remote.URL, "/") + "/health"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive"))
	}
	if c.Sync.PullLimit <= 0 {
		errs = append(errs, fmt.Errorf("sync.pull_limit must be positive"))
	}
	if _, err := c.Collections(); err != nil {
		errs = append(errs, err)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Collections parses sync.collections.
func (c *Config) Collections() ([]schema.Collection, error) {
	out := make([]schema.Collection, 0, len(c.Sync.Collections))
	for _, name := range c.Sync.Collections {
		coll, err := schema.ParseCollection(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("sync.collections: %w", err)
		}
		out = append(out, coll)
	}
	return out, nil
}

// Engine converts the sync settings into an engine.Config.
func (c *Config) Engine() (engine.Config, error) {
	collections, err := c.Collections()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		AutoSync:    c.Sync.AutoSync,
		Interval:    c.Sync.Interval,
		MaxRetries:  c.Sync.MaxRetries,
		RetryDelay:  c.Sync.RetryDelay,
		BatchSize:   c.Sync.BatchSize,
		PullLimit:   c.Sync.PullLimit,
		Lookback:    c.Sync.Lookback,
		Collections: collections,
		MaxParallel: c.Sync.MaxParallel,
		DeadLetter: db.PurgePolicy{
			MaxAge:           c.DeadLetter.MaxAge,
			MaxPerCollection: c.DeadLetter.MaxPerCollection,
		},
	}
	return ec, ec.Validate()
}

// Settings returns the effective settings as a nested map with secrets
// redacted.
func Settings(v *viper.Viper) map[string]any {
	all := v.AllSettings()
	if remote, ok := all["remote"].(map[string]any); ok {
		if tok, ok := remote["token"].(string); ok && tok != "" {
			remote["token"] = "********"
		}
	}
	return all
}

// Write encodes settings as yaml or toml.
func Write(w io.Writer, settings map[string]any, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(settings)
	}
	return fmt.Errorf("unknown format %q (want yaml or toml)", format)
}

// Keys returns every known setting key, sorted.
func Keys(v *viper.Viper) []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}
