// Package repositorycache provides cached repository decorators for go-repository-bun.
//
// # Overview
//
// The cached repository wraps a base repository.Repository[T] and serves its
// read operations through a *cache.Manager. Write operations are delegated to
// the base repository and, on success, drop the affected cache entries and
// publish a domain event on an optional events.Bus.
//
// # Basic Usage
//
//	base := myrepo.New(db) // Your existing go-repository-bun repository
//	manager, _ := cache.NewManager(cache.DefaultConfig())
//
//	users := repositorycache.New[User](base, manager, cache.NewDefaultKeySerializer(),
//		repositorycache.WithBus(bus),
//		repositorycache.WithTTL(10*time.Minute),
//	)
//
//	user, err := users.GetByID(ctx, "user-123")
//
// # Cached Operations
//
// Get, GetByID, GetByIdentifier, List and Count are read through the cache.
// Criteria are closures and cannot be keyed, so a read that carries criteria
// goes straight to the base repository unless the context names it:
//
//	ctx = repositorycache.WithCacheKey(ctx, "active", page)
//	users, total, err := cached.List(ctx, activeOnly, paginate(page))
//
// Transaction reads (*Tx methods) and Raw queries always bypass the cache.
//
// # Tags
//
// Every cached read is tagged with the entity name. Record reads also carry
// "<entity>:<id>", identifier reads carry "<entity>:ident:<identifier>" and
// table-wide reads carry "<entity>:list". Extra tags can be attached per call:
//
//	ctx = repositorycache.WithCacheTags(ctx, "homepage")
//
// # Invalidation
//
//   - Create variants drop the list tag and publish "<entity>.created".
//   - Update, Upsert, Delete and ForceDelete variants drop the list tag and the
//     record and identifier tags of the touched records, then publish
//     "<entity>.updated" or "<entity>.deleted".
//   - DeleteMany and DeleteWhere cannot tell which records went away, so every
//     entry tagged with the entity is dropped.
//
// Writes made inside a transaction invalidate immediately; callers that roll
// back will only see an extra cache miss.
package repositorycache
