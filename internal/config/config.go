// Package config loads the daemon's static configuration: scheduler knobs,
// per-Bus transport tuning, logging sinks, and the set of buses to probe or
// preconfigure at startup. It is a file-backed config read via viper so the
// daemon can be reconfigured without a rebuild.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SchedulerConfig holds the knobs from "Configuration knobs" (spec.md §6):
// MAX_WORKERS, MAX_SUBSCRIPTIONS, MAX_RETRIES, MIN_TX_GAP_NSEC.
type SchedulerConfig struct {
	MaxWorkers       int    `mapstructure:"max_workers"`
	MaxSubscriptions int    `mapstructure:"max_subscriptions"`
	MaxRetries       int    `mapstructure:"max_retries"`
	MinTxGapNsec     int64  `mapstructure:"min_tx_gap_nsec"`
	Policy           string `mapstructure:"policy"` // "least_busy" or "driver_group"
}

// BusConfig names one bus to preconfigure at startup, e.g. one with a known
// port, speed and address that should skip auto-discovery.
type BusConfig struct {
	ID       string `mapstructure:"id"`
	ConnStr  string `mapstructure:"conn_string"`
	AutoOpen bool   `mapstructure:"auto_open"`
}

// LoggingConfig describes the zap/lumberjack sink (internal/logging).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// DaemonConfig is the top-level shape read from /etc/mdrived/config.yaml (or
// wherever -config points).
type DaemonConfig struct {
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Buses      []BusConfig     `mapstructure:"buses"`
	DeviceDir  string          `mapstructure:"device_dir"` // default /dev; not read by any component: MDriveClass.Search always enumerates /dev
	SocketPath string          `mapstructure:"socket_path"`
}

func defaults() DaemonConfig {
	return DaemonConfig{
		Scheduler: SchedulerConfig{
			MaxWorkers:       16,
			MaxSubscriptions: 48,
			MaxRetries:       1,
			MinTxGapNsec:     0,
			Policy:           "driver_group",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "/var/log/mdrived/mdrived.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
			Console:    true,
		},
		DeviceDir:  "/dev",
		SocketPath: "/run/mdrived.sock",
	}
}

// Load reads path (if non-empty) plus MDRIVED_-prefixed environment
// overrides into a DaemonConfig seeded with defaults. path may be empty, in
// which case only defaults and environment overrides apply.
func Load(path string) (DaemonConfig, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("MDRIVED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg DaemonConfig) {
	v.SetDefault("scheduler.max_workers", cfg.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.max_subscriptions", cfg.Scheduler.MaxSubscriptions)
	v.SetDefault("scheduler.max_retries", cfg.Scheduler.MaxRetries)
	v.SetDefault("scheduler.min_tx_gap_nsec", cfg.Scheduler.MinTxGapNsec)
	v.SetDefault("scheduler.policy", cfg.Scheduler.Policy)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("device_dir", cfg.DeviceDir)
	v.SetDefault("socket_path", cfg.SocketPath)
}

// Validate rejects configs that would make the scheduler or transport
// knobs meaningless (spec.md §6's "statically set" table).
func (c DaemonConfig) Validate() error {
	if c.Scheduler.MaxWorkers < 1 {
		return fmt.Errorf("config: scheduler.max_workers must be >= 1")
	}
	if c.Scheduler.MaxSubscriptions < 1 {
		return fmt.Errorf("config: scheduler.max_subscriptions must be >= 1")
	}
	if c.Scheduler.MinTxGapNsec < 0 {
		return fmt.Errorf("config: scheduler.min_tx_gap_nsec must be >= 0")
	}
	switch c.Scheduler.Policy {
	case "least_busy", "driver_group":
	default:
		return fmt.Errorf("config: scheduler.policy must be least_busy or driver_group, got %q", c.Scheduler.Policy)
	}
	return nil
}

// MinTxGap converts the nanosecond knob to a time.Duration for
// transport.Options.
func (c SchedulerConfig) MinTxGap() time.Duration {
	return time.Duration(c.MinTxGapNsec)
}
