package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"` // "dev" or "prod"
	Sources     SourcesConfig   `mapstructure:"sources"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Server      ServerConfig    `mapstructure:"server"`
	Alert       AlertConfig     `mapstructure:"alert"`
	Log         LogConfig       `mapstructure:"log"`
	Postgres    PostgresConfig  `mapstructure:"postgres"`
}

type SourcesConfig struct {
	// TopAssets bounds how many ranked assets the registry bootstrap and the
	// feed writer pull from each upstream API.
	TopAssets   int              `mapstructure:"top_assets"`
	CoinGecko   RESTSourceConfig `mapstructure:"coingecko"`
	CoinPaprika RESTSourceConfig `mapstructure:"coinpaprika"`
	CoinCap     RESTSourceConfig `mapstructure:"coincap"`
	FeedFile    string           `mapstructure:"feed_file"` // CSV path shared by the feed writer and the csvfeed source
}

type RESTSourceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// APIKey is optional. In prod it may instead be resolved from the SSM
	// parameter named by APIKeyParameter.
	APIKey          string `mapstructure:"api_key"`
	APIKeyParameter string `mapstructure:"api_key_parameter"`

	// RateLimit is the per-source request budget in requests per second.
	// Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// FeedInterval should be shorter than ETLInterval so each ETL tick
	// observes a freshly regenerated feed file.
	FeedInterval time.Duration `mapstructure:"feed_interval"`
	ETLInterval  time.Duration `mapstructure:"etl_interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AlertConfig points failed-run notifications at an optional webhook.
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., SOURCES_COINGECKO_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("sources.top_assets", 100)
	v.SetDefault("sources.coingecko.base_url", "https://api.coingecko.com")
	v.SetDefault("sources.coingecko.timeout", 30*time.Second)
	v.SetDefault("sources.coinpaprika.base_url", "https://api.coinpaprika.com")
	v.SetDefault("sources.coinpaprika.timeout", 30*time.Second)
	v.SetDefault("sources.coincap.base_url", "https://api.coincap.io")
	v.SetDefault("sources.coincap.timeout", 30*time.Second)
	v.SetDefault("sources.feed_file", "data/crypto_market.csv")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.feed_interval", 20*time.Minute)
	v.SetDefault("scheduler.etl_interval", 30*time.Minute)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("alert.timeout", 10*time.Second)
}

// ResolveAPIKey returns the configured API key, consulting Parameter Store
// in prod when an SSM parameter name is configured.
func (cfg *RESTSourceConfig) ResolveAPIKey(env string) string {
	if env == "prod" && cfg.APIKeyParameter != "" {
		if val := getParameterStoreValue(cfg.APIKeyParameter, true); val != "" {
			return val
		}
	}
	return cfg.APIKey
}
