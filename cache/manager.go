package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-cache-resilience/internal/cacheinfra"
)

const tagSegment = "tag:"

type managerOptions struct {
	logger     *zap.Logger
	redis      redis.UniversalClient
	remote     RemoteStore
	provider   ProviderStore
	registerer prometheus.Registerer
	clock      func() time.Time
}

// Option configures a Manager.
type Option func(*managerOptions)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// WithRedisClient backs the remote tier with client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *managerOptions) { o.redis = client }
}

// WithRemoteStore replaces the remote tier implementation.
func WithRemoteStore(store RemoteStore) Option {
	return func(o *managerOptions) { o.remote = store }
}

// WithProviderStore replaces the provider tier implementation.
func WithProviderStore(store ProviderStore) Option {
	return func(o *managerOptions) { o.provider = store }
}

// WithRegisterer registers the manager metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *managerOptions) { o.registerer = reg }
}

// WithClock sets the time source used for entry expiry.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.clock = now }
}

// Manager is the single entry point over the local, remote and provider
// tiers. Reads fall through the tiers in that order and tier failures are
// treated as misses. Writes go to every enabled tier concurrently and only
// fail when no tier accepted the value. Tiers are not updated atomically:
// after a partial failure they converge on the next write or delete.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	codec    *cacheinfra.Codec
	local    *cacheinfra.LocalStore
	remote   RemoteStore
	provider ProviderStore
	stats    *counters
	metrics  *Metrics
	now      func() time.Time

	closeOnce sync.Once
}

// NewManager validates cfg and builds the enabled tiers.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := managerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	codec, err := cacheinfra.NewCodec(cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  o.logger.Named("cache"),
		codec:   codec,
		stats:   newCounters(),
		metrics: NewMetrics(o.registerer),
		now:     time.Now,
	}
	if o.clock != nil {
		m.now = o.clock
	}

	if cfg.EnableLocal {
		m.local = cacheinfra.NewLocalStore()
		m.local.SetClock(m.now)
	}

	if cfg.EnableRemote {
		switch {
		case o.remote != nil:
			m.remote = o.remote
		case o.redis != nil:
			store, err := cacheinfra.NewRedisStore(o.redis, cfg.Breaker.toInternal(), m.logger)
			if err != nil {
				codec.Close()
				return nil, err
			}
			m.remote = store
		default:
			codec.Close()
			return nil, &ConfigError{Field: "EnableRemote", Message: "requires a redis client or remote store"}
		}
	}

	if cfg.EnableProvider {
		if o.provider != nil {
			m.provider = o.provider
		} else {
			provider, err := cacheinfra.NewSturdycProvider(cfg.Provider.toInternal())
			if err != nil {
				codec.Close()
				return nil, err
			}
			m.provider = provider
		}
	}

	return m, nil
}

// Prefix returns the namespace prepended to every key.
func (m *Manager) Prefix() string {
	return m.cfg.KeyPrefix
}

// Key returns the namespaced form of key.
func (m *Manager) Key(key string) string {
	return m.cfg.KeyPrefix + key
}

func (m *Manager) tagKey(tag string) string {
	return m.cfg.KeyPrefix + tagSegment + tag
}

func (m *Manager) tierError(tier, op string, err error) {
	m.stats.errors.Inc()
	m.metrics.TierErrors.WithLabelValues(tier, op).Inc()
	m.logger.Warn("cache tier failure",
		zap.String("tier", tier),
		zap.String("op", op),
		zap.Error(err),
	)
}

// GetRaw returns the encoded payload stored under key. Use Get to decode it.
func (m *Manager) GetRaw(ctx context.Context, key string) ([]byte, bool) {
	payload, tier, ok := m.lookup(ctx, m.Key(key))
	if !ok {
		m.stats.misses.Inc()
		m.metrics.Misses.Inc()
		return nil, false
	}
	m.stats.hit(tier)
	m.metrics.Hits.WithLabelValues(tier).Inc()
	return payload, true
}

// lookup walks the tiers and returns the first live payload. Every tier
// stores sealed values, so an entry whose expiry has passed is a miss even
// when the tier itself still holds it.
func (m *Manager) lookup(ctx context.Context, full string) ([]byte, string, bool) {
	if m.local != nil {
		if stored, ok := m.local.Get(full); ok {
			if payload, _, ok := m.open(TierLocal, full, stored); ok {
				return payload, TierLocal, true
			}
			m.local.Delete(full)
		}
	}

	if m.remote != nil {
		stored, found, err := m.remote.Get(ctx, full)
		switch {
		case err != nil:
			m.tierError(TierRemote, "get", err)
		case found:
			if payload, expiresAt, ok := m.open(TierRemote, full, stored); ok {
				m.populateLocal(full, stored, expiresAt)
				return payload, TierRemote, true
			}
		}
	}

	if m.provider != nil {
		if stored, ok := m.provider.Get(full); ok {
			if payload, expiresAt, ok := m.open(TierProvider, full, stored); ok {
				m.populateLocal(full, stored, expiresAt)
				return payload, TierProvider, true
			}
			m.provider.Delete(full)
		}
	}

	return nil, "", false
}

// open unseals a stored value and reports whether it is still live.
func (m *Manager) open(tier, full string, stored []byte) ([]byte, time.Time, bool) {
	payload, expiresAt, err := cacheinfra.Open(stored)
	if err != nil {
		m.stats.errors.Inc()
		m.logger.Debug("unreadable cache entry",
			zap.String("tier", tier),
			zap.String("key", full),
			zap.Error(err),
		)
		return nil, time.Time{}, false
	}
	if cacheinfra.Lapsed(expiresAt, m.now()) {
		return nil, time.Time{}, false
	}
	return payload, expiresAt, true
}

// populateLocal copies a lower tier hit into the local tier. The copy never
// outlives the source entry and is capped at DefaultTTL so that entries
// without expiry are still refreshed from the shared tier.
func (m *Manager) populateLocal(full string, stored []byte, expiresAt time.Time) {
	if m.local == nil {
		return
	}
	ttl := m.cfg.DefaultTTL
	if !expiresAt.IsZero() {
		remaining := expiresAt.Sub(m.now())
		if remaining <= 0 {
			return
		}
		if ttl <= 0 || remaining < ttl {
			ttl = remaining
		}
	}
	m.local.Set(full, stored, ttl)
}

func (m *Manager) expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get reads key through the tiers and decodes it into T. Payloads that do
// not decode into T are logged and reported as misses.
func Get[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var out T
	payload, ok := m.GetRaw(ctx, key)
	if !ok {
		return out, false
	}
	if err := m.codec.Unmarshal(payload, &out); err != nil {
		m.stats.errors.Inc()
		m.logger.Warn("cache decode failed",
			zap.String("key", key),
			zap.Error(fmt.Errorf("%w: %v", ErrInvalidResultType, err)),
		)
		var zero T
		return zero, false
	}
	return out, true
}

// LocalEntry returns the local tier metadata for key.
func (m *Manager) LocalEntry(key string) (Entry, bool) {
	if m.local == nil {
		return Entry{}, false
	}
	full := m.Key(key)
	e, ok := m.local.Entry(full)
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: full, Size: e.Size, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt}, true
}

// Set encodes value once and writes it to every enabled tier. Encoding
// errors are returned as is, tier errors only as ErrAllTiersFailed when no
// tier accepted the write.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	o := setOptions{ttl: m.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := m.codec.Marshal(value)
	if err != nil {
		m.metrics.Operations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}

	full := m.Key(key)
	stored := cacheinfra.Seal(payload, m.expiresAt(o.ttl))
	if err := m.write(ctx, full, stored, o.ttl); err != nil {
		m.metrics.Operations.WithLabelValues("set", "error").Inc()
		return err
	}

	m.stats.sets.Inc()
	m.stats.bytesWritten.Add(int64(len(payload)))
	m.metrics.EntrySize.Observe(float64(len(payload)))
	m.metrics.Operations.WithLabelValues("set", "ok").Inc()

	if len(o.tags) > 0 {
		m.recordTags(ctx, full, o.ttl, o.tags)
	}
	return nil
}

func (m *Manager) write(ctx context.Context, full string, payload []byte, ttl time.Duration) error {
	var (
		g       errgroup.Group
		enabled int32
		failed  atomic.Int32
	)

	if m.local != nil {
		enabled++
		g.Go(func() error {
			m.local.Set(full, payload, ttl)
			return nil
		})
	}
	if m.remote != nil {
		enabled++
		g.Go(func() error {
			if err := m.remote.Set(ctx, full, payload, ttl); err != nil {
				failed.Add(1)
				m.tierError(TierRemote, "set", err)
			}
			return nil
		})
	}
	if m.provider != nil {
		enabled++
		g.Go(func() error {
			m.provider.Set(full, payload)
			return nil
		})
	}
	_ = g.Wait()

	if failed.Load() == enabled {
		return fmt.Errorf("%w: key %q", ErrAllTiersFailed, full)
	}
	return nil
}

func (m *Manager) recordTags(ctx context.Context, full string, ttl time.Duration, tags []string) {
	for _, tag := range tags {
		tk := m.tagKey(tag)
		if m.remote != nil {
			if err := m.remote.SAdd(ctx, tk, ttl, full); err != nil {
				m.tierError(TierRemote, "tag", err)
			}
		}
		if m.local != nil {
			m.local.SAdd(tk, ttl, full)
		}
	}
}

// Delete removes keys from every tier. Tier failures are logged.
func (m *Manager) Delete(ctx context.Context, keys ...string) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.Key(k)
	}
	m.DeleteNamespaced(ctx, full...)
}

// DeleteNamespaced removes already prefixed keys, as returned by
// NamespacedKeys or recorded under a tag.
func (m *Manager) DeleteNamespaced(ctx context.Context, fullKeys ...string) {
	if len(fullKeys) == 0 {
		return
	}
	if m.local != nil {
		m.local.Delete(fullKeys...)
	}
	if m.remote != nil {
		if _, err := m.remote.Delete(ctx, fullKeys...); err != nil {
			m.tierError(TierRemote, "delete", err)
		}
	}
	if m.provider != nil {
		for _, k := range fullKeys {
			m.provider.Delete(k)
		}
	}
	m.stats.deletes.Add(int64(len(fullKeys)))
	m.metrics.Operations.WithLabelValues("delete", "ok").Add(float64(len(fullKeys)))
}

// Clear wipes the local tier, flushes the remote database and empties the
// provider. The tiers are cleared one after another, not atomically.
func (m *Manager) Clear(ctx context.Context) {
	if m.local != nil {
		m.local.Clear()
	}
	if m.remote != nil {
		if err := m.remote.FlushDB(ctx); err != nil {
			m.tierError(TierRemote, "clear", err)
		}
	}
	if m.provider != nil {
		m.provider.Clear()
	}
	m.metrics.Operations.WithLabelValues("clear", "ok").Inc()
	m.logger.Info("cache cleared")
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. Concurrent misses for the same key each run fn; the last write
// wins. A failed store is logged and the computed value still returned.
func GetOrCompute[T any](ctx context.Context, m *Manager, key string, fn ComputeFn[T], opts ...SetOption) (T, error) {
	if v, ok := Get[T](ctx, m, key); ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := m.Set(ctx, key, v, opts...); err != nil {
		m.logger.Warn("cache store after compute failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// Increment adds delta to the counter under key. The remote tier's INCRBY
// is used when available. Otherwise the local tier emulates it, which is
// atomic within this process but not across instances.
func (m *Manager) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	full := m.Key(key)

	if m.remote != nil {
		n, err := m.remote.IncrBy(ctx, full, delta)
		if err == nil {
			if m.local != nil {
				m.local.Delete(full)
			}
			if m.provider != nil {
				m.provider.Delete(full)
			}
			return n, nil
		}
		if cacheinfra.IsReplyError(err) {
			return 0, fmt.Errorf("%w: counter %q: %v", ErrInvalidResultType, full, err)
		}
		m.tierError(TierRemote, "incr", err)
	}

	if m.local == nil {
		return 0, fmt.Errorf("%w: increment %q", ErrAllTiersFailed, full)
	}

	var next int64
	_, err := m.local.Update(full, func(old []byte, ok bool) ([]byte, error) {
		var (
			current   int64
			expiresAt time.Time
		)
		if ok {
			payload, exp, err := cacheinfra.Open(old)
			if err == nil {
				err = m.codec.Unmarshal(payload, &current)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: counter %q: %v", ErrInvalidResultType, full, err)
			}
			expiresAt = exp
		}
		next = current + delta
		payload, err := m.codec.Marshal(next)
		if err != nil {
			return nil, err
		}
		return cacheinfra.Seal(payload, expiresAt), nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Decrement subtracts delta from the counter under key.
func (m *Manager) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return m.Increment(ctx, key, -delta)
}

// Counter reads a counter written by Increment.
func (m *Manager) Counter(ctx context.Context, key string) (int64, bool) {
	full := m.Key(key)
	if m.remote != nil {
		raw, found, err := m.remote.Get(ctx, full)
		if err != nil {
			m.tierError(TierRemote, "counter", err)
		} else if found {
			n, err := strconv.ParseInt(string(raw), 10, 64)
			if err == nil {
				return n, true
			}
		}
	}
	if m.local != nil {
		if stored, ok := m.local.Get(full); ok {
			if payload, _, ok := m.open(TierLocal, full, stored); ok {
				var n int64
				if err := m.codec.Unmarshal(payload, &n); err == nil {
					return n, true
				}
			}
		}
	}
	return 0, false
}

// AddToSet adds members to the set under key.
func (m *Manager) AddToSet(ctx context.Context, key string, members ...string) error {
	full := m.Key(key)
	if m.remote != nil {
		err := m.remote.SAdd(ctx, full, 0, members...)
		if err == nil {
			return nil
		}
		m.tierError(TierRemote, "sadd", err)
	}
	if m.local == nil {
		return fmt.Errorf("%w: add to set %q", ErrAllTiersFailed, full)
	}
	m.local.SAdd(full, 0, members...)
	return nil
}

// RemoveFromSet removes members from the set under key.
func (m *Manager) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	full := m.Key(key)
	if m.remote != nil {
		err := m.remote.SRem(ctx, full, members...)
		if err == nil {
			return nil
		}
		m.tierError(TierRemote, "srem", err)
	}
	if m.local == nil {
		return fmt.Errorf("%w: remove from set %q", ErrAllTiersFailed, full)
	}
	m.local.SRem(full, members...)
	return nil
}

// GetSet returns the sorted members of the set under key.
func (m *Manager) GetSet(ctx context.Context, key string) []string {
	full := m.Key(key)
	if m.remote != nil {
		members, err := m.remote.SMembers(ctx, full)
		if err == nil {
			sort.Strings(members)
			return members
		}
		m.tierError(TierRemote, "smembers", err)
	}
	if m.local != nil {
		return m.local.SMembers(full)
	}
	return nil
}

// TagMembers returns the prefixed keys recorded under tag.
func (m *Manager) TagMembers(ctx context.Context, tag string) ([]string, error) {
	tk := m.tagKey(tag)
	seen := make(map[string]struct{})
	var remoteErr error

	if m.remote != nil {
		members, err := m.remote.SMembers(ctx, tk)
		if err != nil {
			remoteErr = err
			m.tierError(TierRemote, "tag_members", err)
		}
		for _, k := range members {
			seen[k] = struct{}{}
		}
	}
	if m.local != nil {
		for _, k := range m.local.SMembers(tk) {
			seen[k] = struct{}{}
		}
	} else if remoteErr != nil {
		return nil, fmt.Errorf("%w: tag %q", ErrAllTiersFailed, tag)
	}

	return sortedKeys(seen), nil
}

// InvalidateByTag deletes every key recorded under tag, then the tag set
// itself, and returns how many keys were removed.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	members, err := m.TagMembers(ctx, tag)
	if err != nil {
		return 0, err
	}

	m.DeleteNamespaced(ctx, members...)

	tk := m.tagKey(tag)
	if m.local != nil {
		m.local.Delete(tk)
	}
	if m.remote != nil {
		if _, err := m.remote.Delete(ctx, tk); err != nil {
			m.tierError(TierRemote, "delete_tag", err)
		}
	}

	m.logger.Debug("invalidated tag", zap.String("tag", tag), zap.Int("keys", len(members)))
	return len(members), nil
}

// MSet stores every item. Failed items are joined into the returned error;
// the remaining items are still written.
func (m *Manager) MSet(ctx context.Context, items map[string]any, opts ...SetOption) error {
	var errs []error
	for key, value := range items {
		if err := m.Set(ctx, key, value, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MGet reads keys and returns the hits decoded into T.
func MGet[T any](ctx context.Context, m *Manager, keys ...string) map[string]T {
	out := make(map[string]T, len(keys))
	for _, key := range keys {
		if v, ok := Get[T](ctx, m, key); ok {
			out[key] = v
		}
	}
	return out
}

// NamespacedKeys lists the prefixed keys held by any tier. The remote tier
// is enumerated with a cursor SCAN of the prefix, so keys written by other
// instances are included. Tag sets are excluded.
func (m *Manager) NamespacedKeys(ctx context.Context) []string {
	prefix := m.cfg.KeyPrefix
	tagPrefix := prefix + tagSegment
	seen := make(map[string]struct{})

	add := func(k string) {
		if strings.HasPrefix(k, prefix) && !strings.HasPrefix(k, tagPrefix) {
			seen[k] = struct{}{}
		}
	}

	if m.local != nil {
		for _, k := range m.local.Keys() {
			add(k)
		}
	}
	if m.provider != nil {
		for _, k := range m.provider.Keys() {
			add(k)
		}
	}
	if m.remote != nil {
		keys, err := m.remote.Scan(ctx, prefix+"*")
		if err != nil {
			m.tierError(TierRemote, "scan", err)
		}
		for _, k := range keys {
			add(k)
		}
	}

	return sortedKeys(seen)
}

// Stats returns a snapshot of the counters and local tier size.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	if m.local != nil {
		s.LocalEntries = m.local.Len()
		s.LocalBytes = m.local.Bytes()
	}
	return s
}

// ResetStats zeroes the counters.
func (m *Manager) ResetStats() {
	m.stats.reset()
}

// Close releases the codec and the remote connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.codec.Close()
		if m.remote != nil {
			err = m.remote.Close()
		}
	})
	return err
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
