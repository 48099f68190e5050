// Package config loads the stratusd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	DB         db.Config        `yaml:"db"`
	Pool       PoolConfig       `yaml:"pool"`
	Backup     BackupConfig     `yaml:"backup"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Driver     DriverConfig     `yaml:"driver"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Quota      quota.Config     `yaml:"quota"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PoolConfig tunes the object pools
type PoolConfig struct {
	CacheSize   int           `yaml:"cache_size"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// BackupConfig tunes the backup scheduler
type BackupConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Interval      time.Duration `yaml:"interval"`
}

// ReconcilerConfig tunes the quota reconciler
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DriverConfig tunes the simulated driver
type DriverConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// MetricsConfig configures the metrics and health endpoint
type MetricsConfig struct {
	Addr           string        `yaml:"addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Default returns a configuration that runs on sqlite under the data dir
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/stratus",
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		DB: db.Config{
			Backend: db.BackendSQLite,
		},
		Pool: PoolConfig{
			CacheSize:   1024,
			LockTimeout: 30 * time.Second,
		},
		Backup: BackupConfig{
			Interval: 5 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Interval: 30 * time.Second,
		},
		Driver: DriverConfig{
			Delay: time.Second,
		},
		Metrics: MetricsConfig{
			Addr:           "127.0.0.1:9090",
			HealthInterval: 15 * time.Second,
		},
	}
}

// Load overlays the file at path on the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DBPath returns the sqlite file, defaulting to stratus.db in the data dir
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return filepath.Join(c.DataDir, "stratus.db")
}

// DBConfig returns the database settings with the sqlite path resolved
func (c *Config) DBConfig() db.Config {
	out := c.DB
	if out.Backend == "" || out.Backend == db.BackendSQLite {
		out.Path = c.DBPath()
	}
	return out
}

// Validate checks the ranges of every setting
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DataDir == "" {
		result = multierror.Append(result, errors.New("data_dir is required"))
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		result = multierror.Append(result, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.DB.Backend {
	case db.BackendSQLite:
	case db.BackendPostgres:
		if c.DB.ConnStr == "" {
			result = multierror.Append(result, errors.New("db.conn_str is required for postgres"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("db.backend %q is not one of sqlite, postgres", c.DB.Backend))
	}
	if c.Pool.CacheSize < 0 {
		result = multierror.Append(result, errors.New("pool.cache_size must not be negative"))
	}
	if c.Pool.LockTimeout < 0 {
		result = multierror.Append(result, errors.New("pool.lock_timeout must not be negative"))
	}
	if c.Backup.MaxConcurrent < 0 {
		result = multierror.Append(result, errors.New("backup.max_concurrent must not be negative"))
	}
	if c.Backup.Interval <= 0 {
		result = multierror.Append(result, errors.New("backup.interval must be positive"))
	}
	if c.Reconciler.Interval <= 0 {
		result = multierror.Append(result, errors.New("reconciler.interval must be positive"))
	}
	if c.Driver.Delay < 0 {
		result = multierror.Append(result, errors.New("driver.delay must not be negative"))
	}
	return result.ErrorOrNil()
}
