// Package config loads docsync settings from file, environment and defaults.
//
// Settings are read with viper from docsync.toml (or .yaml/.json) found via
// --config, the working directory or ~/.docsync. Every key can be overridden
// from the environment with the DOCSYNC_ prefix, dots replaced by
// underscores: remote.url becomes DOCSYNC_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSYNC"

// Connectivity modes.
const (
	ModeProbe   = "probe"
	ModeFile    = "file"
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// Config is the full docsync configuration.
type Config struct {
	DBPath       string             `mapstructure:"db_path" toml:"db_path"`
	Remote       RemoteConfig       `mapstructure:"remote" toml:"remote"`
	Sync         SyncConfig         `mapstructure:"sync" toml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" toml:"connectivity"`
	Daemon       DaemonConfig       `mapstructure:"daemon" toml:"daemon"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard" toml:"dashboard"`
	Log          LogConfig          `mapstructure:"log" toml:"log"`
}

// RemoteConfig locates the remote document service.
type RemoteConfig struct {
	URL        string        `mapstructure:"url" toml:"url"`
	Token      string        `mapstructure:"token" toml:"token"`
	Collection string        `mapstructure:"collection" toml:"collection"`
	Timeout    time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	Concurrency     int           `mapstructure:"concurrency" toml:"concurrency"`
	MaxRetries      int           `mapstructure:"max_retries" toml:"max_retries"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial" toml:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" toml:"backoff_max"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" toml:"dispatch_timeout"`
	StaleUploadAge  time.Duration `mapstructure:"stale_upload_age" toml:"stale_upload_age"`
	RefreshTTL      time.Duration `mapstructure:"refresh_ttl" toml:"refresh_ttl"`
}

// ConnectivityConfig selects how online/offline is detected.
type ConnectivityConfig struct {
	Mode          string        `mapstructure:"mode" toml:"mode"`
	OfflineFile   string        `mapstructure:"offline_file" toml:"offline_file"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" toml:"probe_interval"`
}

// DaemonConfig sets the background loop intervals.
type DaemonConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval" toml:"retry_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" toml:"sweep_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" toml:"purge_interval"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// Dir returns the per-user docsync directory, ~/.docsync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".docsync"
	}
	return filepath.Join(home, ".docsync")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	dir := Dir()
	return &Config{
		DBPath: filepath.Join(dir, "cache.db"),
		Remote: RemoteConfig{
			Collection: "documents",
			Timeout:    30 * time.Second,
		},
		Sync: SyncConfig{
			Concurrency:     5,
			MaxRetries:      8,
			BackoffInitial:  2 * time.Second,
			BackoffMax:      5 * time.Minute,
			DispatchTimeout: 30 * time.Second,
			StaleUploadAge:  24 * time.Hour,
			RefreshTTL:      time.Minute,
		},
		Connectivity: ConnectivityConfig{
			Mode:          ModeProbe,
			OfflineFile:   filepath.Join(dir, "offline"),
			ProbeInterval: 15 * time.Second,
		},
		Daemon: DaemonConfig{
			RetryInterval: 30 * time.Second,
			SweepInterval: 10 * time.Minute,
			PurgeInterval: 5 * time.Minute,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.collection", d.Remote.Collection)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.backoff_initial", d.Sync.BackoffInitial)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("sync.dispatch_timeout", d.Sync.DispatchTimeout)
	v.SetDefault("sync.stale_upload_age", d.Sync.StaleUploadAge)
	v.SetDefault("sync.refresh_ttl", d.Sync.RefreshTTL)
	v.SetDefault("connectivity.mode", d.Connectivity.Mode)
	v.SetDefault("connectivity.offline_file", d.Connectivity.OfflineFile)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("daemon.retry_interval", d.Daemon.RetryInterval)
	v.SetDefault("daemon.sweep_interval", d.Daemon.SweepInterval)
	v.SetDefault("daemon.purge_interval", d.Daemon.PurgeInterval)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads the configuration. An explicit path must exist; without one,
// docsync.* is looked up in the working directory and then Dir(), and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docsync")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1 (got %d)", c.Sync.Concurrency)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative (got %d)", c.Sync.MaxRetries)
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("sync.backoff_initial must be positive and not above sync.backoff_max")
	}
	switch c.Connectivity.Mode {
	case ModeProbe, ModeFile, ModeOnline, ModeOffline:
	default:
		return fmt.Errorf("connectivity.mode must be probe, file, online or offline (got %q)", c.Connectivity.Mode)
	}
	if c.Connectivity.Mode == ModeFile && c.Connectivity.OfflineFile == "" {
		return fmt.Errorf("connectivity.offline_file is required in file mode")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// WriteDefault writes a starter TOML file with every key at its default.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
