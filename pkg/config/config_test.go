package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  sqlite:
    path: /tmp/test.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultTrendWindow, cfg.Insights.TrendWindow)
	assert.InDelta(t, DefaultTrendThreshold, cfg.Insights.TrendThreshold, 1e-9)
	assert.Equal(t, DefaultScorerConcurrency, cfg.Insights.ScorerConcurrency)
	assert.Equal(t, DefaultScorerQueueSize, cfg.Insights.ScorerQueueSize)
}

func TestLoad_EmptyFileDefaultsToSQLite(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: ':9090'\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":7777"
  cors_origins:
    - https://dashboard.example.com
  rate_limit:
    enabled: true
    requests_per_minute: 120
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: flakewatch
    password: secret
    database: flakewatch
    ssl_mode: require
insights:
  trend_window: 20
  trend_threshold: 0.1
  scorer_concurrency: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7777", cfg.Server.Listen)
	assert.Equal(t, []string{"https://dashboard.example.com"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 20, cfg.Insights.TrendWindow)
	assert.InDelta(t, 0.1, cfg.Insights.TrendThreshold, 1e-9)
	assert.Equal(t, 8, cfg.Insights.ScorerConcurrency)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configContent := `
server:
  listen: ":8080"
database:
  driver: sqlite
  sqlite:
    path: /tmp/file.db
insights:
  trend_window: 10
`

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":8080", cfg.Server.Listen)
				assert.Equal(t, "/tmp/file.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 10, cfg.Insights.TrendWindow)
			},
		},
		{
			name: "string override - listen",
			envVars: map[string]string{
				"FLAKEWATCH_SERVER_LISTEN": ":9999",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9999", cfg.Server.Listen)
			},
		},
		{
			name: "int override - key absent from file",
			envVars: map[string]string{
				"FLAKEWATCH_INSIGHTS_TREND_WINDOW": "33",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 33, cfg.Insights.TrendWindow)
			},
		},
		{
			name: "bool override - rate limit enabled",
			envVars: map[string]string{
				"FLAKEWATCH_SERVER_RATE_LIMIT_ENABLED":             "true",
				"FLAKEWATCH_SERVER_RATE_LIMIT_REQUESTS_PER_MINUTE": "90",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
				assert.Equal(t, 90, cfg.Server.RateLimit.RequestsPerMinute)
			},
		},
		{
			name: "float override - trend threshold",
			envVars: map[string]string{
				"FLAKEWATCH_INSIGHTS_TREND_THRESHOLD": "0.2",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.InDelta(t, 0.2, cfg.Insights.TrendThreshold, 1e-9)
			},
		},
		{
			name: "string override - sqlite path",
			envVars: map[string]string{
				"FLAKEWATCH_DATABASE_SQLITE_PATH": "/tmp/env.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/env.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"FLAKEWATCH_SERVER_LISTEN":              ":7070",
				"FLAKEWATCH_INSIGHTS_TREND_WINDOW":      "25",
				"FLAKEWATCH_INSIGHTS_SCORER_QUEUE_SIZE": "2048",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":7070", cfg.Server.Listen)
				assert.Equal(t, 25, cfg.Insights.TrendWindow)
				assert.Equal(t, 2048, cfg.Insights.ScorerQueueSize)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, configContent))
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	// The config file never mentions the key; the env var must still
	// beat the built-in default.
	path := writeConfig(t, `
database:
  driver: sqlite
  sqlite:
    path: /tmp/file.db
`)

	t.Setenv("FLAKEWATCH_SERVER_LISTEN", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.Server.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid sqlite config",
			mutate: func(cfg *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "flakewatch"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "postgres without database",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Host = "db.internal"
			},
			wantErr: "database.postgres.database is required",
		},
		{
			name: "rate limit enabled without limit",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			wantErr: "requests_per_minute must be positive",
		},
		{
			name: "threshold out of range",
			mutate: func(cfg *Config) {
				cfg.Insights.TrendThreshold = 1.5
			},
			wantErr: "trend_threshold must be below 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
