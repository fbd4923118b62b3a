package cache

import (
	"strings"
	"time"

	"github.com/goliatone/go-cache-resilience/internal/cacheinfra"
)

// ConfigError reports an invalid configuration field.
type ConfigError = cacheinfra.ConfigError

// Config exposes cache manager options.
type Config struct {
	// KeyPrefix namespaces every key the manager writes. Default "cache:".
	KeyPrefix string `yaml:"key_prefix"`

	// DefaultTTL applies when Set is called without WithTTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	EnableLocal    bool `yaml:"enable_local"`
	EnableRemote   bool `yaml:"enable_remote"`
	EnableProvider bool `yaml:"enable_provider"`

	// CompressionThreshold is the encoded size in bytes from which payloads
	// are zstd compressed. Zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`

	Provider ProviderConfig `yaml:"provider"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// ProviderConfig mirrors the sturdyc provider tier options.
type ProviderConfig struct {
	Capacity           int           `yaml:"capacity"`
	NumShards          int           `yaml:"num_shards"`
	TTL                time.Duration `yaml:"ttl"`
	EvictionPercentage int           `yaml:"eviction_percentage"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
}

// BreakerConfig mirrors the circuit breaker guarding the remote tier.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// The remote tier is off until a redis client is supplied.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:            "cache:",
		DefaultTTL:           5 * time.Minute,
		EnableLocal:          true,
		EnableRemote:         false,
		EnableProvider:       true,
		CompressionThreshold: 1024,
		Provider:             providerFromInternal(cacheinfra.DefaultConfig()),
		Breaker:              breakerFromInternal(cacheinfra.DefaultBreakerConfig()),
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return &ConfigError{Field: "KeyPrefix", Message: "must not be empty"}
	}
	if c.DefaultTTL < 0 {
		return &ConfigError{Field: "DefaultTTL", Message: "must be non-negative"}
	}
	if c.CompressionThreshold < 0 {
		return &ConfigError{Field: "CompressionThreshold", Message: "must be non-negative"}
	}
	if !c.EnableLocal && !c.EnableRemote && !c.EnableProvider {
		return &ConfigError{Field: "EnableLocal", Message: "at least one tier must be enabled"}
	}
	if c.EnableProvider {
		if err := c.Provider.toInternal().Validate(); err != nil {
			return err
		}
	}
	if c.EnableRemote {
		if err := c.Breaker.toInternal().Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c ProviderConfig) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func providerFromInternal(cfg cacheinfra.Config) ProviderConfig {
	return ProviderConfig{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		TTL:                cfg.TTL,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}

func (c BreakerConfig) toInternal() cacheinfra.BreakerConfig {
	cfg := cacheinfra.DefaultBreakerConfig()
	cfg.MaxRequests = c.MaxRequests
	cfg.Interval = c.Interval
	cfg.Timeout = c.Timeout
	cfg.ConsecutiveFailures = c.ConsecutiveFailures
	return cfg
}

func breakerFromInternal(cfg cacheinfra.BreakerConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval,
		Timeout:             cfg.Timeout,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
	}
}
