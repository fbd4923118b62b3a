// Package cache provides the layered cache manager used by the services and
// the cached repositories.
//
// # Overview
//
// A Manager sits in front of up to three tiers:
//
//   - local: an in-process map with per-entry expiry, checked lazily on read
//   - remote: a shared Redis instance, guarded by a circuit breaker
//   - provider: a short-TTL sturdyc cache kept as a last in-process fallback
//
// Reads go local, then remote, then provider. A hit on a lower tier
// populates the local tier. Tier errors are logged and treated as misses so
// a broken Redis never fails a read.
//
// Writes encode the value once (msgpack, zstd above the compression
// threshold) and go to every enabled tier concurrently. Set only returns an
// error when the value cannot be encoded or when no tier accepted it.
//
// # Basic Usage
//
//	m, err := cache.NewManager(cache.DefaultConfig(), cache.WithRedisClient(rdb))
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	err = m.Set(ctx, "product:42:detail", detail,
//		cache.WithTTL(10*time.Minute),
//		cache.WithTags("product:42"),
//	)
//
//	detail, ok := cache.Get[ProductDetail](ctx, m, "product:42:detail")
//
//	// cache-aside
//	detail, err = cache.GetOrCompute(ctx, m, "product:42:detail", loadDetail)
//
//	// drop every key tagged with product:42
//	n, err := m.InvalidateByTag(ctx, "product:42")
//
// # Keys
//
// Every key is prefixed with Config.KeyPrefix ("cache:" by default). Tag
// membership sets live under "<prefix>tag:<tag>" with the same TTL as the
// entry that was tagged. NamespacedKeys returns prefixed keys, and
// DeleteNamespaced accepts them back.
//
// # Consistency
//
// Tiers are not updated atomically. After a partial failure a tier may hold
// a stale value until the next write or delete of that key. GetOrCompute does
// not de-duplicate concurrent misses: two callers may both compute and the
// last write wins. Increment falls back to a local read-modify-write when
// Redis is unavailable, which is atomic within the process only.
//
// # Key Serialization
//
// KeySerializer builds keys from a method name and arguments for the cached
// repositories. Function arguments are rendered with %p and are only stable
// for the life of the process. Composite values are msgpack encoded and
// digested with xxhash.
package cache
