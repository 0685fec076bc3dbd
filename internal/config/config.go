// Package config loads the gateway configuration from YAML with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/router"
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Router      RouterConfig      `yaml:"router"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Operations  OperationsConfig  `yaml:"operations"`
	Plugins     PluginsConfig     `yaml:"plugins"`
}

// ServerConfig configures the serving endpoints.
type ServerConfig struct {
	// Addr is the admin/API listen address.
	Addr string `yaml:"addr"`

	// MetricsAddr is the Prometheus metrics listen address. Empty disables
	// the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is memory or sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty"`

	// WAL enables SQLite write-ahead logging.
	WAL bool `yaml:"wal,omitempty"`
}

// CacheConfig selects the KV cache backend and response cache behavior.
type CacheConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend"`

	Redis    RedisConfig         `yaml:"redis,omitempty"`
	Response ResponseCacheConfig `yaml:"response"`
	Semantic SemanticCacheConfig `yaml:"semantic"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ResponseCacheConfig configures the exact response cache.
type ResponseCacheConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Namespace               string        `yaml:"namespace,omitempty"`
	TTL                     time.Duration `yaml:"ttl,omitempty"`
	IncludeTemperatureInKey bool          `yaml:"include_temperature_in_key,omitempty"`
	IncludeMaxTokensInKey   bool          `yaml:"include_max_tokens_in_key,omitempty"`
}

// SemanticCacheConfig configures the embedding-similarity cache layer.
type SemanticCacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	SimilarityThreshold float64       `yaml:"similarity_threshold,omitempty"`
	MaxEntries          int           `yaml:"max_entries,omitempty"`
	TTL                 time.Duration `yaml:"ttl,omitempty"`
	EmbeddingModel      string        `yaml:"embedding_model,omitempty"`
}

// RouterConfig configures routing defaults and fallbacks.
type RouterConfig struct {
	// DefaultCredentials maps plugin IDs to default credential IDs.
	DefaultCredentials map[string]string `yaml:"default_credentials,omitempty"`

	// Fallbacks maps model IDs to ordered fallback targets.
	Fallbacks map[string][]router.Target `yaml:"fallbacks,omitempty"`

	BreakerThreshold int           `yaml:"breaker_threshold,omitempty"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout,omitempty"`
}

// CredentialsConfig configures the credential resolver.
type CredentialsConfig struct {
	// CacheTTL is how long resolved credentials stay cached.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// OperationsConfig configures the operation manager.
type OperationsConfig struct {
	// Retention is how long operations are kept before cleanup.
	Retention time.Duration `yaml:"retention,omitempty"`

	// CleanupInterval is how often CleanupOld runs. Zero disables the
	// background sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
}

// PluginsConfig declares which models each built-in plugin serves.
type PluginsConfig struct {
	OpenAI      []string `yaml:"openai,omitempty"`
	Anthropic   []string `yaml:"anthropic,omitempty"`
	AzureOpenAI []string `yaml:"azure_openai,omitempty"`
	Bedrock     []string `yaml:"bedrock,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Backend: "memory",
			Response: ResponseCacheConfig{
				Enabled: true,
				TTL:     time.Hour,
			},
			Semantic: SemanticCacheConfig{
				SimilarityThreshold: 0.95,
				MaxEntries:          1000,
				TTL:                 time.Hour,
			},
		},
		Router: RouterConfig{
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Credentials: CredentialsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Operations: OperationsConfig{
			Retention:       24 * time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}

// Load reads the configuration file over the defaults. An empty path
// returns the defaults. Environment overrides: GATEWAY_ADDR, REDIS_ADDR,
// REDIS_PASSWORD.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &errors.ConfigError{
				Reason: fmt.Sprintf("reading %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &errors.ConfigError{
				Reason: fmt.Sprintf("parsing %s", path),
				Cause:  err,
			}
		}
	}

	if addr := os.Getenv("GATEWAY_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Cache.Redis.Password = password
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return &errors.ConfigError{
				Key:    "storage.path",
				Reason: "sqlite backend requires a database path",
			}
		}
	default:
		return &errors.ConfigError{
			Key:    "storage.backend",
			Reason: fmt.Sprintf("unknown backend %q, expected memory or sqlite", c.Storage.Backend),
		}
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return &errors.ConfigError{
				Key:    "cache.redis.addr",
				Reason: "redis backend requires an address",
			}
		}
	default:
		return &errors.ConfigError{
			Key:    "cache.backend",
			Reason: fmt.Sprintf("unknown backend %q, expected memory or redis", c.Cache.Backend),
		}
	}

	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown level %q", c.Log.Level),
		}
	}

	if c.Cache.Semantic.Enabled && c.Cache.Semantic.EmbeddingModel == "" {
		return &errors.ConfigError{
			Key:    "cache.semantic.embedding_model",
			Reason: "semantic cache requires an embedding model",
		}
	}

	return nil
}
