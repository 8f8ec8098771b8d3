package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "data/stocketl.db", cfg.Database.SQLitePath)
	assert.Equal(t, "yahoo", cfg.DataSource.Provider)
	assert.Equal(t, ":5005", cfg.Server.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.StaleAfter())
	assert.Equal(t, 365, cfg.Download.DefaultLookbackDays)
	assert.Equal(t, 20, cfg.Params().ShortWindow)
	assert.Equal(t, 50, cfg.Params().LongWindow)
	assert.Equal(t, 90, cfg.Params().OutlierLookbackDays)
	assert.Equal(t, 1.5, cfg.Params().IQRMultiplier)
	assert.Positive(t, cfg.Analysis.Workers)
	assert.False(t, cfg.TelegramEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  sqlite_path: /tmp/prices.db
data_source:
  provider: alphavantage
  api_key: file-key
server:
  addr: ":8080"
  read_timeout: 5s
analysis:
  long_window: 100
  symbols: [AAPL, NVDA]
export:
  dir: out
  format: xlsx
`)
	t.Setenv("STOCKETL_DATA_SOURCE_API_KEY", "env-key")
	t.Setenv("STOCKETL_ANALYSIS_OUTLIER_LOOKBACK_DAYS", "30")
	t.Setenv("STOCKETL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/prices.db", cfg.Database.SQLitePath)
	assert.Equal(t, "alphavantage", cfg.DataSource.Provider)
	assert.Equal(t, "env-key", cfg.DataSource.APIKey)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Analysis.LongWindow)
	assert.Equal(t, 30, cfg.Analysis.OutlierLookbackDays)
	assert.Equal(t, []string{"AAPL", "NVDA"}, cfg.Analysis.Symbols)
	assert.Equal(t, "xlsx", cfg.Export.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "database: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("STOCKETL_ANALYSIS_WORKERS", "many")
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "env config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown provider", func(c *Config) { c.DataSource.Provider = "bloomberg" }, "data_source.provider"},
		{"alphavantage without key", func(c *Config) { c.DataSource.Provider = "alphavantage" }, "api_key"},
		{"half telegram", func(c *Config) { c.Telegram.BotToken = "x" }, "telegram"},
		{"bad window", func(c *Config) { c.Analysis.ShortWindow = -1 }, "analysis"},
		{"bad export", func(c *Config) { c.Export.Format = "parquet" }, "export.format"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ALPHAVANTAGE_API_KEY", "")
			cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
