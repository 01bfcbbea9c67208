// Package config loads jot settings from a TOML file, JOT_* environment
// variables and command-line overrides, in increasing order of precedence.
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

	localdb "github.com/mschirtzinger/jotsync/internal/local/db"
)

// EnvPrefix is the prefix for environment overrides: db.path is read from
// JOT_DB_PATH.
const EnvPrefix = "JOT"

// Config is the full jot configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Backup    BackupConfig    `mapstructure:"backup"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type DBConfig struct {
	Path         string        `mapstructure:"path"`
	Driver       string        `mapstructure:"driver"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	// Interval between daemon sync cycles. Zero disables the ticker.
	Interval time.Duration `mapstructure:"interval"`
}

type ProbeConfig struct {
	// URL defaults to the remote's /healthz.
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	// Addr is the dashboard listen address. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type DaemonConfig struct {
	// Inbox is a directory watched for *.json entries to import.
	Inbox string `mapstructure:"inbox"`
}

type BackupConfig struct {
	Dir    string   `mapstructure:"dir"`
	Prefix string   `mapstructure:"prefix"`
	S3     S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// Dir returns the jot home directory, ~/.jot unless JOT_HOME is set.
func Dir() string {
	if d := os.Getenv(EnvPrefix + "_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jot"
	}
	return filepath.Join(home, ".jot")
}

// DefaultFile is the config file read when none is given.
func DefaultFile() string {
	return filepath.Join(Dir(), "config.toml")
}

// defaults is the flat key/value view of the default configuration.
func defaults() map[string]any {
	dir := Dir()
	return map[string]any{
		"db.path":           filepath.Join(dir, "jot.db"),
		"db.driver":         string(localdb.DriverSQLite3),
		"db.busy_timeout":   5 * time.Second,
		"db.max_open_conns": 8,

		"remote.url":     "",
		"remote.token":   "",
		"remote.timeout": 30 * time.Second,

		"sync.interval": 5 * time.Minute,

		"probe.url":      "",
		"probe.interval": 15 * time.Second,
		"probe.timeout":  5 * time.Second,

		"retry.max_attempts": 8,
		"retry.base_delay":   30 * time.Second,
		"retry.max_delay":    30 * time.Minute,

		"log.file":         "",
		"log.max_size_mb":  10,
		"log.max_backups":  3,
		"log.max_age_days": 28,

		"dashboard.addr": "",
		"daemon.inbox":   "",

		"backup.dir":                  filepath.Join(dir, "backups"),
		"backup.prefix":               "",
		"backup.s3.bucket":            "",
		"backup.s3.region":            "us-east-1",
		"backup.s3.endpoint":          "",
		"backup.s3.access_key_id":     "",
		"backup.s3.secret_access_key": "",
		"backup.s3.path_style":        false,
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// File is an explicit config path. It must exist. When empty,
	// DefaultFile is read if present.
	File string
	// Overrides take precedence over file and environment, keyed like
	// "remote.url". Typically filled from command-line flags.
	Overrides map[string]any
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigFile(DefaultFile())
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", DefaultFile(), err)
		}
	}

	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.File); err != nil {
		cfg.File = ""
	}

	cfg.DB.Path = expandHome(cfg.DB.Path)
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Backup.Dir = expandHome(cfg.Backup.Dir)
	cfg.Daemon.Inbox = expandHome(cfg.Daemon.Inbox)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if _, err := localdb.ParseDriver(c.DB.Driver); err != nil {
		return fmt.Errorf("db.driver: %w", err)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("retry.max_delay must be positive")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay exceeds retry.max_delay")
	}
	return nil
}

// ProbeURL returns the connectivity probe target.
func (c *Config) ProbeURL() string {
	if c.Probe.URL != "" || c.Remote.URL == "" {
		return c.Probe.URL
	}
	return strings.TrimRight(c.Remote.URL, "/") + "/healthz"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// WriteDefault writes a config file with every default value. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tree := make(map[string]any)
	for key, val := range defaults() {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		setNested(tree, strings.Split(key, "."), val)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# jot configuration. Environment variables JOT_<SECTION>_<KEY> override these.\n\n"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(tree); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

func setNested(tree map[string]any, path []string, val any) {
	for _, p := range path[:len(path)-1] {
		next, ok := tree[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			tree[p] = next
		}
		tree = next
	}
	tree[path[len(path)-1]] = val
}
