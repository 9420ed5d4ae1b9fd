package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./flakewatch.db"

	// DefaultTrendWindow is the number of runs per trend comparison window.
	DefaultTrendWindow = 10

	// DefaultTrendThreshold is the pass-rate delta below which the trend
	// is considered stable.
	DefaultTrendThreshold = 0.05

	// DefaultScorerConcurrency is the number of flakiness recomputations
	// processed in parallel.
	DefaultScorerConcurrency = 4

	// DefaultScorerQueueSize is the capacity of the scorer work queue.
	DefaultScorerQueueSize = 1024
)

// Config is the root configuration for flakewatch.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Insights InsightsConfig `yaml:"insights,omitempty" mapstructure:"insights"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// InsightsConfig tunes the derived-analytics behaviour.
type InsightsConfig struct {
	TrendWindow       int     `yaml:"trend_window,omitempty" mapstructure:"trend_window"`
	TrendThreshold    float64 `yaml:"trend_threshold,omitempty" mapstructure:"trend_threshold"`
	ScorerConcurrency int     `yaml:"scorer_concurrency,omitempty" mapstructure:"scorer_concurrency"`
	ScorerQueueSize   int     `yaml:"scorer_queue_size,omitempty" mapstructure:"scorer_queue_size"`
}

// configKeys lists every known configuration key. AutomaticEnv only
// feeds Unmarshal for keys viper has already seen, so each key is
// bound explicitly to make env overrides apply whether or not the
// file sets it.
var configKeys = []string{
	"server.listen",
	"server.cors_origins",
	"server.rate_limit.enabled",
	"server.rate_limit.requests_per_minute",
	"database.driver",
	"database.sqlite.path",
	"database.postgres.host",
	"database.postgres.port",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.database",
	"database.postgres.ssl_mode",
	"insights.trend_window",
	"insights.trend_threshold",
	"insights.scorer_concurrency",
	"insights.scorer_queue_size",
}

// Load reads and parses a configuration file from the given path.
// Values may be overridden via FLAKEWATCH_-prefixed environment
// variables (e.g. FLAKEWATCH_SERVER_LISTEN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLAKEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Insights.TrendWindow <= 0 {
		c.Insights.TrendWindow = DefaultTrendWindow
	}

	if c.Insights.TrendThreshold <= 0 {
		c.Insights.TrendThreshold = DefaultTrendThreshold
	}

	if c.Insights.ScorerConcurrency <= 0 {
		c.Insights.ScorerConcurrency = DefaultScorerConcurrency
	}

	if c.Insights.ScorerQueueSize <= 0 {
		c.Insights.ScorerQueueSize = DefaultScorerQueueSize
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf(
			"unsupported database driver: %s", c.Database.Driver,
		)
	}

	if c.Server.RateLimit.Enabled &&
		c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf(
			"server.rate_limit.requests_per_minute must be positive",
		)
	}

	if c.Insights.TrendThreshold >= 1 {
		return fmt.Errorf("insights.trend_threshold must be below 1.0")
	}

	return nil
}
