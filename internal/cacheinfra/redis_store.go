package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig controls the circuit breaker guarding the remote tier.
type BreakerConfig struct {
	// Name is reported in state change logs.
	Name string

	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. Zero keeps counts until the state changes.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker. Must be greater than 0.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the breaker settings used by the remote tier.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "cache-remote",
		MaxRequests:         1,
		Interval:            0,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Validate checks if the breaker values are valid.
func (c BreakerConfig) Validate() error {
	if c.ConsecutiveFailures == 0 {
		return &ConfigError{Field: "ConsecutiveFailures", Message: "must be greater than 0"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: "must be greater than 0"}
	}
	if c.Interval < 0 {
		return &ConfigError{Field: "Interval", Message: "must be non-negative"}
	}
	return nil
}

const scanBatch = 250

// serverFaults are reply error prefixes that mean the server cannot serve
// requests right now, as opposed to a bad command or a wrong value type.
var serverFaults = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN", "BUSY"}

// IsReplyError reports whether err is an error reply sent by a working Redis
// server for the command itself, such as WRONGTYPE or a non-integer INCRBY.
func IsReplyError(err error) bool {
	var reply redis.Error
	if !errors.As(err, &reply) || errors.Is(err, redis.Nil) {
		return false
	}
	msg := reply.Error()
	for _, prefix := range serverFaults {
		if strings.HasPrefix(msg, prefix) {
			return false
		}
	}
	return true
}

// breakerSuccess counts misses and command errors as successful calls. Only
// transport failures, timeouts and server faults trip the breaker.
func breakerSuccess(err error) bool {
	return err == nil || errors.Is(err, redis.Nil) || IsReplyError(err)
}

// addToSet adds ARGV[2..] to the set in KEYS[1]. ARGV[1] is the member TTL in
// milliseconds. The set expiry is only ever extended: a new set takes the TTL,
// an existing one keeps the later of both deadlines, and a member without TTL
// makes the set persistent.
var addToSet = redis.NewScript(`
local before = redis.call('PTTL', KEYS[1])
redis.call('SADD', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl <= 0 then
	redis.call('PERSIST', KEYS[1])
elseif before == -2 or (before >= 0 and before < ttl) then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// RedisStore is the shared remote tier. Every command runs behind a circuit
// breaker so a dead Redis fails fast instead of stalling each request.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisStore wraps client. The store does not own the client lifecycle
// unless Close is called.
func NewRedisStore(client redis.UniversalClient, cfg BreakerConfig, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, &ConfigError{Field: "Client", Message: "must not be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: breakerSuccess,
	}

	return &RedisStore{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// Client exposes the underlying redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// BreakerState reports the current breaker state.
func (s *RedisStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func (s *RedisStore) run(fn func() (any, error)) (any, error) {
	return s.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
}

// Get returns the payload stored under key. A missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.run(func() (any, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out.([]byte), true, nil
}

// Set stores value under key. A ttl <= 0 stores without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := s.run(func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// Delete removes keys and returns how many existed.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	out, err := s.run(func() (any, error) {
		return s.client.Del(ctx, keys...).Result()
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// IncrBy atomically adds delta to the integer stored under key.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	out, err := s.run(func() (any, error) {
		return s.client.IncrBy(ctx, key, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// SAdd adds members to the set under key. The set lives at least as long as
// ttl and a ttl <= 0 makes it persistent. An existing expiry is never
// shortened.
func (s *RedisStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members)+1)
	args = append(args, ttl.Milliseconds())
	for _, m := range members {
		args = append(args, m)
	}
	_, err := s.run(func() (any, error) {
		return nil, addToSet.Run(ctx, s.client, []string{key}, args...).Err()
	})
	return err
}

// SRem removes members from the set under key.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.run(func() (any, error) {
		return nil, s.client.SRem(ctx, key, args...).Err()
	})
	return err
}

// SMembers returns the members of the set under key.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := s.run(func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

// Scan walks the keyspace with a cursor and returns every key matching the
// glob pattern. Cluster clients are scanned master by master.
func (s *RedisStore) Scan(ctx context.Context, match string) ([]string, error) {
	out, err := s.run(func() (any, error) {
		if cluster, ok := s.client.(*redis.ClusterClient); ok {
			var (
				mu   sync.Mutex
				keys []string
			)
			err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
				found, err := scanAll(ctx, node, match)
				if err != nil {
					return err
				}
				mu.Lock()
				keys = append(keys, found...)
				mu.Unlock()
				return nil
			})
			return keys, err
		}
		return scanAll(ctx, s.client, match)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := out.([]string)
	return keys, nil
}

func scanAll(ctx context.Context, client redis.Cmdable, match string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// FlushDB removes every key in the selected database.
func (s *RedisStore) FlushDB(ctx context.Context) error {
	_, err := s.run(func() (any, error) {
		return nil, s.client.FlushDB(ctx).Err()
	})
	return err
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.run(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
