// Package config loads finsync settings.
//
// Values come from, in increasing precedence: built-in defaults, the config
// file (finsync.toml or finsync.yaml in the working directory or the XDG
// config directory, or the path given with --config), a .env file in the
// working directory, and FINSYNC_* environment variables. Nested keys map to
// variables by upper-casing and replacing dots, e.g. sync.interval becomes
// FINSYNC_SYNC_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
)

const (
	// AppName names the config and data directories.
	AppName = "finsync"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FINSYNC"

	// DBFileName is the local store inside the data directory.
	DBFileName = "finsync.db"

	// DeviceIDFileName holds the generated device id inside the data directory.
	DeviceIDFileName = "device_id"
)

// Config is the full set of settings.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Data      DataConfig      `mapstructure:"data"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type DeviceConfig struct {
	// ID identifies this device to the remote. Generated on first use.
	ID string `mapstructure:"id"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	PushBatchSize int           `mapstructure:"push_batch_size"`
	PullPageSize  int           `mapstructure:"pull_page_size"`
	InboxDir      string        `mapstructure:"inbox_dir"`
}

type QueueConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type JobsConfig struct {
	Workers                 int              `mapstructure:"workers"`
	PollInterval            time.Duration    `mapstructure:"poll_interval"`
	LeaseDuration           time.Duration    `mapstructure:"lease_duration"`
	MaxStalled              int              `mapstructure:"max_stalled"`
	SyncConcurrency         int64            `mapstructure:"sync_concurrency"`
	NotificationConcurrency int64            `mapstructure:"notification_concurrency"`
	SyncPolicy              jobs.RetryPolicy `mapstructure:"sync_policy"`
	NotificationPolicy      jobs.RetryPolicy `mapstructure:"notification_policy"`
}

type NotifyConfig struct {
	// WebhookURL receives notification jobs. Empty logs them instead.
	WebhookURL string `mapstructure:"webhook_url"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	// File enables a rotating log file. Empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Defaults returns the built-in settings as a nested map keyed like the
// config file. Durations are strings.
func Defaults() map[string]any {
	jd := jobs.DefaultConfig()
	policy := func(p jobs.RetryPolicy) map[string]any {
		return map[string]any{
			"max_attempts": p.MaxAttempts,
			"base_delay":   p.BaseDelay.String(),
			"multiplier":   p.Multiplier,
			"cap":          p.Cap.String(),
		}
	}
	return map[string]any{
		"device": map[string]any{"id": ""},
		"data":   map[string]any{"dir": DefaultDataDir()},
		"remote": map[string]any{
			"url":     "http://127.0.0.1:8080",
			"token":   "",
			"timeout": (30 * time.Second).String(),
		},
		"sync": map[string]any{
			"interval":        (5 * time.Minute).String(),
			"push_batch_size": 100,
			"pull_page_size":  500,
			"inbox_dir":       "",
		},
		"queue": map[string]any{"max_retries": 5},
		"jobs": map[string]any{
			"workers":                  jd.Workers,
			"poll_interval":            jd.PollInterval.String(),
			"lease_duration":           jd.LeaseDuration.String(),
			"max_stalled":              jd.MaxStalledCount,
			"sync_concurrency":         jd.SyncConcurrency,
			"notification_concurrency": jd.NotificationConcurrency,
			"sync_policy":              policy(jd.SyncPolicy),
			"notification_policy":      policy(jd.NotificationPolicy),
		},
		"notify":    map[string]any{"webhook_url": ""},
		"dashboard": map[string]any{"port": 8787},
		"log": map[string]any{
			"file":         "",
			"max_size_mb":  50,
			"max_backups":  3,
			"max_age_days": 28,
		},
	}
}

// DefaultDataDir is $XDG_DATA_HOME/finsync.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultConfigDir is $XDG_CONFIG_HOME/finsync.
func DefaultConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist when set.
	File string

	// SearchPaths replaces the default search path (working directory, then
	// DefaultConfigDir).
	SearchPaths []string

	// EnvFile is loaded into the environment when it exists (default ".env").
	// Variables already set are not overwritten.
	EnvFile string
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, "", Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(AppName)
		paths := opts.SearchPaths
		if paths == nil {
			paths = []string{".", DefaultConfigDir()}
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Data.Dir = expandHome(cfg.Data.Dir)
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Sync.InboxDir = expandHome(cfg.Sync.InboxDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults flattens tree into dotted viper defaults.
func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Validate checks values that would make a component fail later.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive (got %v)", c.Remote.Timeout)
	}
	if c.Sync.PushBatchSize < 1 || c.Sync.PullPageSize < 1 {
		return fmt.Errorf("sync.push_batch_size and sync.pull_page_size must be at least 1")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1 (got %d)", c.Queue.MaxRetries)
	}
	if err := c.Jobs.SyncPolicy.Validate(); err != nil {
		return fmt.Errorf("jobs.sync_policy: %w", err)
	}
	if err := c.Jobs.NotificationPolicy.Validate(); err != nil {
		return fmt.Errorf("jobs.notification_policy: %w", err)
	}
	return nil
}

// DBPath is the local store path.
func (c *Config) DBPath() string {
	return filepath.Join(c.Data.Dir, DBFileName)
}

// JobsConfig converts the jobs section for jobs.New. The caller fills DB,
// Syncer, Notifier, Bus and Logger.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		Workers:                 c.Jobs.Workers,
		PollInterval:            c.Jobs.PollInterval,
		LeaseDuration:           c.Jobs.LeaseDuration,
		MaxStalledCount:         c.Jobs.MaxStalled,
		SyncConcurrency:         c.Jobs.SyncConcurrency,
		NotificationConcurrency: c.Jobs.NotificationConcurrency,
		SyncPolicy:              c.Jobs.SyncPolicy,
		NotificationPolicy:      c.Jobs.NotificationPolicy,
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
