// Package config loads gateway configuration from defaults, an optional
// YAML file and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider configures one upstream model provider.
type Provider struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Models  []string      `mapstructure:"models"`
}

// Config is the full gateway configuration tree.
type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Providers []Provider `mapstructure:"providers"`

	Resilience struct {
		MaxRetries           int           `mapstructure:"max_retries"`
		BackoffBase          time.Duration `mapstructure:"backoff_base"`
		RateLimitBackoffBase time.Duration `mapstructure:"rate_limit_backoff_base"`
		FailureThreshold     int           `mapstructure:"failure_threshold"`
		OpenDuration         time.Duration `mapstructure:"open_duration"`
	} `mapstructure:"resilience"`

	Availability struct {
		MinModels                 int  `mapstructure:"min_models"`
		MinProviders              int  `mapstructure:"min_providers"`
		AllowDegraded             bool `mapstructure:"allow_degraded"`
		DownThreshold             int  `mapstructure:"down_threshold"`
		EnableSingleModelFallback bool `mapstructure:"enable_single_model_fallback"`
	} `mapstructure:"availability"`

	Pipeline struct {
		StageTimeout time.Duration `mapstructure:"stage_timeout"`
	} `mapstructure:"pipeline"`

	Events struct {
		QueueSize         int           `mapstructure:"queue_size"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		Retention         time.Duration `mapstructure:"retention"`
	} `mapstructure:"events"`

	Cache struct {
		Enabled   bool          `mapstructure:"enabled"`
		RedisAddr string        `mapstructure:"redis_addr"`
		TTL       time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Auth struct {
		APIKeys []string `mapstructure:"api_keys"`
	} `mapstructure:"auth"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Environment variables use the CHORUS_
// prefix with underscores (CHORUS_SERVER_PORT); the single-model override
// additionally honors the bare ENABLE_SINGLE_MODEL_FALLBACK variable.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHORUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("availability.enable_single_model_fallback", "ENABLE_SINGLE_MODEL_FALLBACK"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("resilience.max_retries", 2)
	v.SetDefault("resilience.backoff_base", "500ms")
	v.SetDefault("resilience.rate_limit_backoff_base", "2s")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.open_duration", "30s")

	v.SetDefault("availability.min_models", 2)
	v.SetDefault("availability.min_providers", 2)
	v.SetDefault("availability.allow_degraded", true)
	v.SetDefault("availability.down_threshold", 3)
	v.SetDefault("availability.enable_single_model_fallback", false)

	v.SetDefault("pipeline.stage_timeout", "2m")

	v.SetDefault("events.queue_size", 1000)
	v.SetDefault("events.heartbeat_interval", "15s")
	v.SetDefault("events.retention", "5m")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", "10m")
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
	}
	return nil
}

// ModelIndex maps every configured model name to its provider. Rosters are
// validated against this index.
func (c *Config) ModelIndex() map[string]string {
	index := make(map[string]string)
	for _, p := range c.Providers {
		for _, m := range p.Models {
			index[m] = p.Name
		}
	}
	return index
}

// ModelCounts maps each provider to how many models it serves, for the
// health manager's availability math.
func (c *Config) ModelCounts() map[string]int {
	counts := make(map[string]int, len(c.Providers))
	for _, p := range c.Providers {
		counts[p.Name] = len(p.Models)
	}
	return counts
}
