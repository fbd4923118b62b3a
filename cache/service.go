package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups that require a value to exist.
	ErrNotFound = errors.New("cache: key not found")

	// ErrAllTiersFailed is returned by writes when no enabled tier accepted
	// the value.
	ErrAllTiersFailed = errors.New("cache: all tiers failed")

	// ErrInvalidResultType is returned when a cached value cannot be decoded
	// into the requested type.
	ErrInvalidResultType = errors.New("cache: invalid result type")
)

// Tier names used in stats, logs and metrics.
const (
	TierLocal    = "local"
	TierRemote   = "remote"
	TierProvider = "provider"
)

// RemoteStore is the shared tier. cacheinfra.RedisStore implements it.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Scan(ctx context.Context, match string) ([]string, error)
	FlushDB(ctx context.Context) error
	Close() error
}

// ProviderStore is the generic short-TTL tier. cacheinfra.SturdycProvider
// implements it.
type ProviderStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Keys() []string
	Clear()
}

// ComputeFn produces a value on a cache miss.
type ComputeFn[T any] func(ctx context.Context) (T, error)

// Entry describes a value held by the local tier.
type Entry struct {
	Key       string
	Size      int
	CreatedAt time.Time
	ExpiresAt time.Time
}

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// SetOption customises a single write.
type SetOption func(*setOptions)

// WithTTL overrides the default TTL. A ttl of zero stores without expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// WithTags associates the key with tags for InvalidateByTag.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}
