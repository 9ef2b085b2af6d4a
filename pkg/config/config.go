// Package config loads the gridsync configuration from defaults, an optional
// YAML file and GRIDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GRIDSYNC"

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StoreConfig selects and configures the remote store
type StoreConfig struct {
	Backend   string              `mapstructure:"backend"`
	KeyPrefix string              `mapstructure:"key_prefix"`
	Redis     store.RedisConfig   `mapstructure:"redis"`
	Breaker   store.BreakerConfig `mapstructure:"breaker"`
}

// DocumentConfig names the document to open
type DocumentConfig struct {
	// Mid is the document id; empty creates a new document.
	Mid string `mapstructure:"mid"`
}

// RateLimitConfig limits requests per client address
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Limit   float64 `mapstructure:"limit"` // requests per second
	Burst   int     `mapstructure:"burst"`
	Clients int     `mapstructure:"clients"`
}

// HTTPConfig defines the status server configuration
type HTTPConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	ListenAddress string          `mapstructure:"listen_address"`
	ReadTimeout   time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration   `mapstructure:"write_timeout"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

// Config holds the complete application configuration
type Config struct {
	Engine   collaboration.Config        `mapstructure:"engine"`
	Store    StoreConfig                 `mapstructure:"store"`
	Document DocumentConfig              `mapstructure:"document"`
	HTTP     HTTPConfig                  `mapstructure:"http"`
	Logging  observability.LoggingConfig `mapstructure:"logging"`
	Metrics  observability.MetricsConfig `mapstructure:"metrics"`
	Tracing  observability.TracingConfig `mapstructure:"tracing"`
}

// Load loads configuration from the file named by GRIDSYNC_CONFIG_FILE (or
// ./gridsync.yaml when present) and environment variables, including those
// from GRIDSYNC_ENV_FILE or ./.env.
func Load() (*Config, error) {
	if err := loadDotEnv(os.Getenv(EnvPrefix + "_ENV_FILE")); err != nil {
		return nil, err
	}
	return LoadFromFile(os.Getenv(EnvPrefix + "_CONFIG_FILE"))
}

// loadDotEnv exports the variables in path, or in ./.env when path is empty
// and the file exists. Variables already set in the environment win.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading env file %s: %w", path, err)
	}
	return nil
}

// LoadFromFile loads configuration from path, which may be empty.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Docker-style variables without the prefix
	_ = v.BindEnv("store.redis.addresses", EnvPrefix+"_STORE_REDIS_ADDRESSES", "REDIS_ADDR")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("gridsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	processEnvExpansion(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRedis && len(c.Store.Redis.Addresses) == 0 && !c.Store.Redis.SentinelEnabled {
		return fmt.Errorf("store.redis.addresses is required for the redis backend")
	}
	if c.Engine.IdleWindow <= 0 {
		return fmt.Errorf("engine.idle_window must be positive")
	}
	if c.Engine.HistoryCapacity <= 0 {
		return fmt.Errorf("engine.history_capacity must be positive")
	}
	if c.Engine.CompactionModulo <= 0 {
		return fmt.Errorf("engine.compaction_modulo must be positive")
	}
	if c.HTTP.RateLimit.Enabled && (c.HTTP.RateLimit.Limit <= 0 || c.HTTP.RateLimit.Burst <= 0) {
		return fmt.Errorf("http.rate_limit needs a positive limit and burst")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} references in
// string values.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		if expanded := expandEnvVars(value); expanded != value {
			v.Set(key, expanded)
		}
	}
}

func expandEnvVars(value string) string {
	return os.Expand(value, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	engine := collaboration.DefaultConfig()
	v.SetDefault("engine.idle_window", engine.IdleWindow)
	v.SetDefault("engine.history_capacity", engine.HistoryCapacity)
	v.SetDefault("engine.compaction_threshold", engine.CompactionThreshold)
	v.SetDefault("engine.compaction_modulo", engine.CompactionModulo)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.key_prefix", "gridsync")

	redis := store.DefaultRedisConfig()
	v.SetDefault("store.redis.addresses", redis.Addresses)
	v.SetDefault("store.redis.username", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", redis.DB)
	v.SetDefault("store.redis.max_retries", redis.MaxRetries)
	v.SetDefault("store.redis.dial_timeout", redis.DialTimeout)
	v.SetDefault("store.redis.read_timeout", redis.ReadTimeout)
	v.SetDefault("store.redis.write_timeout", redis.WriteTimeout)
	v.SetDefault("store.redis.connect_timeout", redis.ConnectTimeout)
	v.SetDefault("store.redis.tls_enabled", false)
	v.SetDefault("store.redis.pool_size", redis.PoolSize)
	v.SetDefault("store.redis.min_idle_conns", redis.MinIdleConns)
	v.SetDefault("store.redis.cluster_enabled", false)
	v.SetDefault("store.redis.sentinel_enabled", false)
	v.SetDefault("store.redis.master_name", "")
	v.SetDefault("store.redis.sentinel_addrs", []string{})
	v.SetDefault("store.redis.payload_cache_size", redis.PayloadCacheSize)
	v.SetDefault("store.redis.write_retries", redis.WriteRetries)

	breaker := store.DefaultBreakerConfig()
	v.SetDefault("store.breaker.enabled", breaker.Enabled)
	v.SetDefault("store.breaker.max_requests", breaker.MaxRequests)
	v.SetDefault("store.breaker.interval", breaker.Interval)
	v.SetDefault("store.breaker.timeout", breaker.Timeout)
	v.SetDefault("store.breaker.min_requests", breaker.MinRequests)
	v.SetDefault("store.breaker.failure_ratio", breaker.FailureRatio)

	v.SetDefault("document.mid", "")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen_address", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.rate_limit.enabled", true)
	v.SetDefault("http.rate_limit.limit", 20.0)
	v.SetDefault("http.rate_limit.burst", 40)
	v.SetDefault("http.rate_limit.clients", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.prefix", "gridsync")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "gridsync")
	v.SetDefault("metrics.subsystem", "engine")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "gridsync")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
