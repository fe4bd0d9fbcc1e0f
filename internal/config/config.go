package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Budget    BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrowserConfig configures the headless-Chrome fallback fetcher.
type BrowserConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	RemoteURL       string `yaml:"remote_url" mapstructure:"remote_url"`
	NavTimeoutSecs  int    `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	SettleDelaySecs int    `yaml:"settle_delay_secs" mapstructure:"settle_delay_secs"`
	ScrollPasses    int    `yaml:"scroll_passes" mapstructure:"scroll_passes"`
}

// BudgetConfig configures the daily token ceiling.
type BudgetConfig struct {
	DailyTokenCeiling  int `yaml:"daily_token_ceiling" mapstructure:"daily_token_ceiling"`
	ReservationTTLSecs int `yaml:"reservation_ttl_secs" mapstructure:"reservation_ttl_secs"`
}

// DiscoveryConfig configures the link discovery phase.
type DiscoveryConfig struct {
	MaxConcurrentQueries int `yaml:"max_concurrent_queries" mapstructure:"max_concurrent_queries"`
	MaxLinksPerQuery     int `yaml:"max_links_per_query" mapstructure:"max_links_per_query"`
}

// ScrapeConfig configures the scrape phase.
type ScrapeConfig struct {
	AttemptTimeoutSecs int `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	RetryBackoffSecs   int `yaml:"retry_backoff_secs" mapstructure:"retry_backoff_secs"`
	EarlyStopSuccesses int `yaml:"early_stop_successes" mapstructure:"early_stop_successes"`
	MinTextLength      int `yaml:"min_text_length" mapstructure:"min_text_length"`
}

// ExtractConfig configures AI extraction.
type ExtractConfig struct {
	MaxPromptTokens int `yaml:"max_prompt_tokens" mapstructure:"max_prompt_tokens"`
	MaxChunks       int `yaml:"max_chunks" mapstructure:"max_chunks"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentCompanies int `yaml:"max_concurrent_companies" mapstructure:"max_concurrent_companies"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "aum-tracker.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.nav_timeout_secs", 30)
	v.SetDefault("browser.settle_delay_secs", 2)
	v.SetDefault("browser.scroll_passes", 3)
	v.SetDefault("budget.daily_token_ceiling", 500000)
	v.SetDefault("budget.reservation_ttl_secs", 300)
	v.SetDefault("discovery.max_concurrent_queries", 4)
	v.SetDefault("discovery.max_links_per_query", 5)
	v.SetDefault("scrape.attempt_timeout_secs", 45)
	v.SetDefault("scrape.retry_backoff_secs", 2)
	v.SetDefault("scrape.early_stop_successes", 3)
	v.SetDefault("scrape.min_text_length", 200)
	v.SetDefault("extract.max_prompt_tokens", 8000)
	v.SetDefault("extract.max_chunks", 12)
	v.SetDefault("batch.max_concurrent_companies", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
