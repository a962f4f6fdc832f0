package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Web        WebConfig        `mapstructure:"web"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"`
}

// RedisConfig enables cross-instance slot claims when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	Timezone          string        `mapstructure:"timezone"`
	Workers           int           `mapstructure:"workers"`
	CatchUpMaxAge     time.Duration `mapstructure:"catchup_max_age"`
	MaxSlotsPerWindow int           `mapstructure:"max_slots_per_window"`
}

type DispatchConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	CASRetries     int           `mapstructure:"cas_retries"`
	AlertTimeout   time.Duration `mapstructure:"alert_timeout"`
}

type GatewayConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type MonitoringConfig struct {
	Recipients []string `mapstructure:"recipients"`
}

type WebConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.claim_ttl", 10*time.Minute)

	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.refresh_interval", 5*time.Minute)
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.catchup_max_age", time.Duration(0))
	v.SetDefault("scheduler.max_slots_per_window", 1000)

	v.SetDefault("dispatch.default_timeout", 30*time.Second)
	v.SetDefault("dispatch.backoff_base", 500*time.Millisecond)
	v.SetDefault("dispatch.backoff_max", 5*time.Second)
	v.SetDefault("dispatch.cas_retries", 5)
	v.SetDefault("dispatch.alert_timeout", 10*time.Second)

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.rate_per_sec", 5.0)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.timeout", 30*time.Second)

	v.SetDefault("monitoring.recipients", []string{})

	v.SetDefault("web.addr", ":8080")
}

// Load reads path (YAML, optional) over the defaults. Every key can be overridden from
// the environment with dots replaced by underscores, e.g. SCHEDULER_TICK_INTERVAL=2s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be > 0")
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return errors.New("scheduler.refresh_interval must be > 0")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves scheduler.timezone ("Local", "UTC" or an IANA name).
func (s SchedulerConfig) Location() (*time.Location, error) {
	switch strings.TrimSpace(s.Timezone) {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
