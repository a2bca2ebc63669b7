// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig governs the job engine and fetch pipeline.
type ScrapeConfig struct {
	Workers            int     `mapstructure:"workers"`
	QueueDepth         int     `mapstructure:"queue_depth"`
	MaxTargetsPerJob   int     `mapstructure:"max_targets_per_job"`
	DelaySeconds       float64 `mapstructure:"delay_seconds"`
	MaxRetries         int     `mapstructure:"max_retries"`
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxCommentsPerPost int     `mapstructure:"max_comments_per_post"`
	MaxPostsPerProfile int     `mapstructure:"max_posts_per_profile"`
	FailOnTargetError  bool    `mapstructure:"fail_on_target_error"`
}

// HeadlessConfig configures the browser-backed fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets paths for local data and optional GCS mirroring.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	UsagePath string `mapstructure:"usage_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational job store. An empty DSN
// keeps jobs in memory.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRAMSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("scrape.workers", 4)
	v.SetDefault("scrape.queue_depth", 1024)
	v.SetDefault("scrape.max_targets_per_job", 100)
	v.SetDefault("scrape.delay_seconds", 2.0)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (compatible; gramscrape/0.1)")
	v.SetDefault("scrape.timeout_seconds", 15)
	v.SetDefault("scrape.max_comments_per_post", 50)
	v.SetDefault("scrape.max_posts_per_profile", 12)
	v.SetDefault("scrape.fail_on_target_error", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.usage_path", "./data/usage.json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.MaxTargetsPerJob <= 0 {
		return fmt.Errorf("scrape.max_targets_per_job must be > 0")
	}
	if c.Scrape.DelaySeconds < 0 {
		return fmt.Errorf("scrape.delay_seconds must be >= 0")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ScrapeDelay returns the fetch spacing as a duration.
func (c Config) ScrapeDelay() time.Duration {
	return time.Duration(c.Scrape.DelaySeconds * float64(time.Second))
}

// FetchTimeout returns the per-request timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scrape.TimeoutSeconds) * time.Second
}
