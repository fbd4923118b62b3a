package cacheinfra

import (
	"time"

	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc provider tier.
// The provider is the short-TTL, process-local tier that sits behind the
// local and remote tiers, so its TTL applies to every entry it stores.
type Config struct {
	// Capacity defines the maximum number of entries that the provider can store.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of shards for concurrent access.
	// Must be greater than 0. Default: 64
	NumShards int

	// TTL is the provider-wide time-to-live. sturdyc has no per-entry TTL:
	// entries written with a longer TTL still lapse after this, and shorter
	// ones are rejected on read through their sealed expiry (see Seal).
	// Must be greater than 0.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the provider reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often sturdyc sweeps expired entries.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for the provider tier.
func DefaultConfig() Config {
	return Config{
		Capacity:           5000,
		NumShards:          64,
		TTL:                30 * time.Second,
		EvictionPercentage: 10,
		EvictionInterval:   0,
	}
}

// ToSturdycOptions converts the Config to a sturdyc.Option slice.
// Capacity, NumShards, TTL, and EvictionPercentage are passed directly
// to sturdyc.New() and are not included in the options.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}

	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}

	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be greater than 0"}
	}

	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}

	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// SturdycProvider wraps a sturdyc client storing encoded payloads.
type SturdycProvider struct {
	client *sturdyc.Client[[]byte]
}

// NewSturdycProvider validates cfg and creates the provider tier.
//
// Version compatibility note: This implementation assumes sturdyc v1.x API.
func NewSturdycProvider(cfg Config) (*SturdycProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[[]byte](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycProvider{client: client}, nil
}

// Get returns the payload stored under key.
func (p *SturdycProvider) Get(key string) ([]byte, bool) {
	return p.client.Get(key)
}

// Set stores the payload under key. The provider TTL applies, callers store
// sealed values to enforce a shorter one.
func (p *SturdycProvider) Set(key string, value []byte) {
	p.client.Set(key, value)
}

// Delete removes a single entry.
func (p *SturdycProvider) Delete(key string) {
	p.client.Delete(key)
}

// Keys lists every key currently held by the provider.
func (p *SturdycProvider) Keys() []string {
	return p.client.ScanKeys()
}

// Clear removes every entry. sturdyc has no bulk reset so keys are scanned
// and deleted one by one.
func (p *SturdycProvider) Clear() {
	for _, key := range p.client.ScanKeys() {
		p.client.Delete(key)
	}
}

// Len returns the number of entries held by the provider.
func (p *SturdycProvider) Len() int {
	return p.client.Size()
}
