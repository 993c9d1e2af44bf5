// Package config loads seqcore runtime configuration. Values come from an
// optional config file (seqcore.yaml) overridden by SEQCORE_-prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the seqcored server.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr         string   `mapstructure:"addr"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	ReadTimeout  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeout int      `mapstructure:"write_timeout_seconds"`
}

type StorageConfig struct {
	// Driver selects the record store backend: memory|sqlite|postgres.
	Driver      string `mapstructure:"driver"`
	SqlitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type BlobConfig struct {
	// Driver selects the blob backend: fs|s3|memory.
	Driver    string `mapstructure:"driver"`
	FSRoot    string `mapstructure:"fs_root"`
	Bucket    string `mapstructure:"s3_bucket"`
	Region    string `mapstructure:"s3_region"`
	Endpoint  string `mapstructure:"s3_endpoint"`
	AccessKey string `mapstructure:"s3_access_key"`
	SecretKey string `mapstructure:"s3_secret_key"`
	PathStyle bool   `mapstructure:"s3_path_style"`
}

type AuthConfig struct {
	// Mode selects the token verifier: static (dev/tests) or http (delegated).
	Mode     string `mapstructure:"mode"`
	Endpoint string `mapstructure:"endpoint"`
	// Timeout for the delegated verification call.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type IntakeConfig struct {
	// DelayMinutes is the deferred-processing window for inbound ETL events.
	DelayMinutes int `mapstructure:"delay_minutes"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron expressions for the two sweeps; empty uses the built-in pacing.
	QueueSchedule string `mapstructure:"queue_schedule"`
	StaleSchedule string `mapstructure:"stale_schedule"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the config file (if any) and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("seqcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/seqcore")

	v.SetEnvPrefix("SEQCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout_seconds", 30)
	v.SetDefault("http.write_timeout_seconds", 0) // streaming endpoints need no write deadline
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/seqcore.db")
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "./blobdata")
	v.SetDefault("blob.s3_region", "us-east-1")
	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.timeout_seconds", 10)
	v.SetDefault("intake.delay_minutes", 5)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("log.level", "info")
}

// Validate flags configuration combinations that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.s3_bucket required when blob driver is s3")
	}
	switch c.Auth.Mode {
	case "static", "http":
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if c.Auth.Mode == "http" && c.Auth.Endpoint == "" {
		return fmt.Errorf("auth.endpoint required when auth mode is http")
	}
	if c.Intake.DelayMinutes < 0 {
		return fmt.Errorf("intake.delay_minutes must be non-negative")
	}
	return nil
}

// IntakeDelay returns the configured intake deferral as a duration.
func (c *Config) IntakeDelay() time.Duration {
	return time.Duration(c.Intake.DelayMinutes) * time.Minute
}

// AuthTimeout returns the verifier call timeout as a duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.TimeoutSeconds) * time.Second
}
