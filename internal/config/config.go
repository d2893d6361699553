// Package config loads the service configuration from YAML with
// defaults applied, struct validation and env-var overrides for
// secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development production"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`

	Database struct {
		// URL is empty in memory mode.
		URL       string `yaml:"url"`
		UseMemory bool   `yaml:"use_memory"`
		// MaxConns caps the pgx pool; zero keeps the driver default.
		MaxConns int32 `yaml:"max_conns" default:"4" validate:"gte=0"`
	} `yaml:"database"`

	Models struct {
		DeepSeekAPIKey string        `yaml:"deepseek_api_key"`
		GeminiAPIKey   string        `yaml:"gemini_api_key"`
		GrokAPIKey     string        `yaml:"grok_api_key"`
		CallTimeout    time.Duration `yaml:"call_timeout" default:"90s" validate:"gt=0"`
	} `yaml:"models"`

	Market struct {
		BinanceAPIKey    string        `yaml:"binance_api_key"`
		BinanceSecretKey string        `yaml:"binance_secret_key"`
		CacheTTL         time.Duration `yaml:"cache_ttl" default:"1m" validate:"gt=0"`
	} `yaml:"market"`

	Settlement struct {
		Interval time.Duration `yaml:"interval" default:"10m" validate:"gt=0,lte=1h"`
	} `yaml:"settlement"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

var validate = validator.New()

// Load reads the YAML file at path, applies defaults, env overrides and
// validation. An empty path yields a pure-defaults config.
func Load(path string) (*Config, error) {
	var c Config

	// Defaults go in first so the file can override them, including
	// overriding back to a zero value (metrics.enabled: false).
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&c)

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyEnv overrides secrets and connection strings from the
// environment, so they never need to live in the YAML file.
func applyEnv(c *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		c.Models.DeepSeekAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Models.GeminiAPIKey = v
	}
	if v := os.Getenv("XAI_API_KEY"); v != "" {
		c.Models.GrokAPIKey = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Market.BinanceAPIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.Market.BinanceSecretKey = v
	}
}
