package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"StockETL/internal/calculator"
)

// EnvPrefix prefixes every environment override, e.g. STOCKETL_DATABASE_SQLITE_PATH.
const EnvPrefix = "STOCKETL"

// Config holds all application configuration.
type Config struct {
	Database struct {
		SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	} `yaml:"database" envconfig:"DATABASE"`
	DataSource struct {
		Provider          string `yaml:"provider" envconfig:"PROVIDER"` // yahoo, alphavantage or mock
		BaseURL           string `yaml:"base_url" envconfig:"BASE_URL"`
		APIKey            string `yaml:"api_key" envconfig:"API_KEY"`
		RequestsPerMinute int    `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
	} `yaml:"data_source" envconfig:"DATA_SOURCE"`
	Server struct {
		Addr            string        `yaml:"addr" envconfig:"ADDR"`
		ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	} `yaml:"server" envconfig:"SERVER"`
	Schedule struct {
		RefreshCron  string `yaml:"refresh_cron" envconfig:"REFRESH_CRON"`
		AnalysisCron string `yaml:"analysis_cron" envconfig:"ANALYSIS_CRON"`
	} `yaml:"schedule" envconfig:"SCHEDULE"`
	Download struct {
		StaleAfterDays      int `yaml:"stale_after_days" envconfig:"STALE_AFTER_DAYS"`
		DefaultLookbackDays int `yaml:"default_lookback_days" envconfig:"DEFAULT_LOOKBACK_DAYS"`
	} `yaml:"download" envconfig:"DOWNLOAD"`
	Analysis struct {
		ShortWindow         int      `yaml:"short_window" envconfig:"SHORT_WINDOW"`
		LongWindow          int      `yaml:"long_window" envconfig:"LONG_WINDOW"`
		VolatilityWindow    int      `yaml:"volatility_window" envconfig:"VOLATILITY_WINDOW"`
		OutlierLookbackDays int      `yaml:"outlier_lookback_days" envconfig:"OUTLIER_LOOKBACK_DAYS"`
		IQRMultiplier       float64  `yaml:"iqr_multiplier" envconfig:"IQR_MULTIPLIER"`
		Workers             int      `yaml:"workers" envconfig:"WORKERS"`
		ReportLookbackDays  int      `yaml:"report_lookback_days" envconfig:"REPORT_LOOKBACK_DAYS"`
		Symbols             []string `yaml:"symbols" envconfig:"SYMBOLS"`
	} `yaml:"analysis" envconfig:"ANALYSIS"`
	Export struct {
		Dir    string `yaml:"dir" envconfig:"DIR"`
		Format string `yaml:"format" envconfig:"FORMAT"` // csv or xlsx
	} `yaml:"export" envconfig:"EXPORT"`
	Telegram struct {
		BotToken string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
		ChatID   string `yaml:"chat_id" envconfig:"CHAT_ID"`
	} `yaml:"telegram" envconfig:"TELEGRAM"`
	Log struct {
		Level  string `yaml:"level" envconfig:"LEVEL"`
		Format string `yaml:"format" envconfig:"FORMAT"` // console or json
	} `yaml:"log" envconfig:"LOG"`
	Proxy string `yaml:"proxy" envconfig:"PROXY"`
}

// Load reads config from a YAML file, then applies environment variable overrides
// and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides; unset variables leave the file value alone.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	if cfg.Proxy == "" {
		cfg.Proxy = os.Getenv("HTTPS_PROXY")
	}
	if cfg.DataSource.APIKey == "" {
		cfg.DataSource.APIKey = os.Getenv("ALPHAVANTAGE_API_KEY")
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/stocketl.db"
	}
	if c.DataSource.Provider == "" {
		c.DataSource.Provider = "yahoo"
	}
	if c.DataSource.RequestsPerMinute == 0 {
		c.DataSource.RequestsPerMinute = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":5005"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Schedule.RefreshCron == "" {
		c.Schedule.RefreshCron = "0 0 23 * * 1-5"
	}
	if c.Schedule.AnalysisCron == "" {
		c.Schedule.AnalysisCron = "0 30 23 * * 1-5"
	}
	if c.Download.StaleAfterDays == 0 {
		c.Download.StaleAfterDays = 7
	}
	if c.Download.DefaultLookbackDays == 0 {
		c.Download.DefaultLookbackDays = 365
	}

	def := calculator.DefaultParams()
	if c.Analysis.ShortWindow == 0 {
		c.Analysis.ShortWindow = def.ShortWindow
	}
	if c.Analysis.LongWindow == 0 {
		c.Analysis.LongWindow = def.LongWindow
	}
	if c.Analysis.VolatilityWindow == 0 {
		c.Analysis.VolatilityWindow = def.VolatilityWindow
	}
	if c.Analysis.OutlierLookbackDays == 0 {
		c.Analysis.OutlierLookbackDays = def.OutlierLookbackDays
	}
	if c.Analysis.IQRMultiplier == 0 {
		c.Analysis.IQRMultiplier = def.IQRMultiplier
	}
	if c.Analysis.Workers == 0 {
		c.Analysis.Workers = runtime.NumCPU()
	}
	if c.Analysis.ReportLookbackDays == 0 {
		c.Analysis.ReportLookbackDays = 180
	}
	if c.Export.Format == "" {
		c.Export.Format = "csv"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Params returns the feature and outlier parameters.
func (c *Config) Params() calculator.Params {
	return calculator.Params{
		ShortWindow:         c.Analysis.ShortWindow,
		LongWindow:          c.Analysis.LongWindow,
		VolatilityWindow:    c.Analysis.VolatilityWindow,
		OutlierLookbackDays: c.Analysis.OutlierLookbackDays,
		IQRMultiplier:       c.Analysis.IQRMultiplier,
	}
}

// StaleAfter is the age after which a symbol's last download is refreshed.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Download.StaleAfterDays) * 24 * time.Hour
}

// TelegramEnabled reports whether alerts should be sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != ""
}

// Validate checks that all fields are consistent.
func (c *Config) Validate() error {
	switch c.DataSource.Provider {
	case "yahoo", "mock":
	case "alphavantage":
		if c.DataSource.APIKey == "" {
			return fmt.Errorf("data_source.api_key is required for alphavantage")
		}
	default:
		return fmt.Errorf("data_source.provider %q is not one of yahoo, alphavantage, mock", c.DataSource.Provider)
	}
	if c.DataSource.RequestsPerMinute < 0 {
		return fmt.Errorf("data_source.requests_per_minute must not be negative")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.Download.StaleAfterDays < 0 || c.Download.DefaultLookbackDays < 0 {
		return fmt.Errorf("download day counts must not be negative")
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if c.Analysis.Workers < 0 {
		return fmt.Errorf("analysis.workers must not be negative")
	}
	if c.Export.Format != "csv" && c.Export.Format != "xlsx" {
		return fmt.Errorf("export.format %q is not one of csv, xlsx", c.Export.Format)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q is not one of console, json", c.Log.Format)
	}
	return nil
}
