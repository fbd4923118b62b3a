package di

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/pkg/testsupport"
	"github.com/goliatone/go-cache-resilience/repositorycache"
)

// newRemoteContainer builds a container whose remote tier points at server.
// Each call gets its own client, as separate service instances would.
func newRemoteContainer(tb testing.TB, server *miniredis.Miniredis) *Container {
	tb.Helper()
	cfg := testConfig()
	cfg.Cache.EnableRemote = true
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	c, err := NewContainer(cfg, WithLogger(zap.NewNop()), WithRedisClient(client))
	if err != nil {
		tb.Fatalf("NewContainer() error = %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func seedUsers(base *mockUserRepository, n int) {
	for i := 0; i < n; i++ {
		_, _ = base.Create(context.Background(), User{
			ID:    fmt.Sprintf("user-%d", i),
			Name:  fmt.Sprintf("User %d", i),
			Email: fmt.Sprintf("user%d@example.com", i),
		})
	}
}

func collect(t *testing.T, errs <-chan error) {
	t.Helper()
	n := 0
	for err := range errs {
		n++
		if n <= 10 {
			t.Error(err)
		}
	}
	if n > 0 {
		t.Fatalf("%d concurrent operations failed", n)
	}
}

// TestConcurrentReadsShareRemoteTier runs readers on two instances against
// one Redis. Records fetched by one instance are served to the other from
// the shared tier.
func TestConcurrentReadsShareRemoteTier(t *testing.T) {
	ctx := context.Background()
	server, _ := testsupport.NewMiniRedis(t)
	base := newMockUserRepository()
	seedUsers(base, 20)

	instances := []*repositorycache.CachedRepository[User]{
		NewCachedRepository[User](newRemoteContainer(t, server), base),
		NewCachedRepository[User](newRemoteContainer(t, server), base),
	}

	for i := 0; i < 20; i++ {
		if _, err := instances[0].GetByID(ctx, fmt.Sprintf("user-%d", i)); err != nil {
			t.Fatalf("warm read failed: %v", err)
		}
	}
	warmCalls := base.getCallCount("GetByID")

	const workers, reads = 16, 50
	var wg sync.WaitGroup
	errs := make(chan error, workers*reads)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			repo := instances[w%len(instances)]
			for j := 0; j < reads; j++ {
				id := fmt.Sprintf("user-%d", (w+j)%20)
				u, err := repo.GetByID(ctx, id)
				if err != nil {
					errs <- fmt.Errorf("worker %d: GetByID(%s): %w", w, id, err)
					continue
				}
				if u.ID != id {
					errs <- fmt.Errorf("worker %d: got %s for %s", w, u.ID, id)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	collect(t, errs)

	if n := base.getCallCount("GetByID"); n != warmCalls {
		t.Errorf("second instance should read through the remote tier, base calls went %d -> %d", warmCalls, n)
	}
}

// TestConcurrentTaggedWritesAndInvalidation interleaves tagged writes with
// tag invalidation. Once writers stop, a final invalidation leaves nothing
// reachable under the tag on either tier.
func TestConcurrentTaggedWritesAndInvalidation(t *testing.T) {
	ctx := context.Background()
	server, _ := testsupport.NewMiniRedis(t)
	container := newRemoteContainer(t, server)
	m := container.Cache()

	const writers, writes = 8, 40
	var wg sync.WaitGroup
	errs := make(chan error, writers*writes)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				key := fmt.Sprintf("catalog:%d:%d", w, j)
				if err := m.Set(ctx, key, j, cache.WithTags("catalog")); err != nil {
					errs <- err
				}
				if j%10 == 0 {
					if _, err := container.Invalidator().InvalidateByTag(ctx, "catalog"); err != nil {
						errs <- err
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	collect(t, errs)

	if _, err := container.Invalidator().InvalidateByTag(ctx, "catalog"); err != nil {
		t.Fatalf("InvalidateByTag() error = %v", err)
	}
	for w := 0; w < writers; w++ {
		for j := 0; j < writes; j++ {
			key := fmt.Sprintf("catalog:%d:%d", w, j)
			if _, ok := cache.Get[int](ctx, m, key); ok {
				t.Fatalf("%s survived tag invalidation", key)
			}
		}
	}
	if members, _ := m.TagMembers(ctx, "catalog"); len(members) != 0 {
		t.Errorf("tag set should be gone, has %d members", len(members))
	}
}

// TestConcurrentEventDrivenInvalidation runs product writes while readers
// hit product keys. Every write goes through the bus to the default rules.
func TestConcurrentEventDrivenInvalidation(t *testing.T) {
	ctx := context.Background()
	container := newTestContainer(t, testConfig())
	products := NewCachedRepository[User](container, newMockUserRepository(), repositorycache.WithEntityName("product"))

	const updates = 25
	var wg sync.WaitGroup
	errs := make(chan error, updates*2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			if _, err := products.Update(ctx, User{ID: fmt.Sprintf("p%d", i%5), Name: "amp"}); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			if err := container.Cache().Set(ctx, "product:featured", []string{"p1"}); err != nil {
				errs <- err
			}
			_, _ = cache.Get[[]string](ctx, container.Cache(), "product:featured")
		}
	}()
	wg.Wait()
	close(errs)
	collect(t, errs)

	if err := container.Cache().Set(ctx, "product:featured", []string{"p1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := products.Update(ctx, User{ID: "p1", Name: "amp"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, ok := cache.Get[[]string](ctx, container.Cache(), "product:featured"); ok {
		t.Error("product.updated should clear the featured list")
	}
	if s := container.Invalidator().Stats(); s.ByEvent < updates+1 {
		t.Errorf("expected one event invalidation per write, stats = %+v", s)
	}
}

// TestConcurrentRemoteCounters increments one counter from two instances.
// INCRBY on the shared tier keeps the total exact.
func TestConcurrentRemoteCounters(t *testing.T) {
	ctx := context.Background()
	server, _ := testsupport.NewMiniRedis(t)
	a := newRemoteContainer(t, server).Cache()
	b := newRemoteContainer(t, server).Cache()

	const workers, incs = 10, 30
	var wg sync.WaitGroup
	errs := make(chan error, workers*incs)
	for w := 0; w < workers; w++ {
		m := a
		if w%2 == 1 {
			m = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incs; j++ {
				if _, err := m.Increment(ctx, "views:home", 1); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	collect(t, errs)

	for name, m := range map[string]*cache.Manager{"a": a, "b": b} {
		if n, ok := m.Counter(ctx, "views:home"); !ok || n != workers*incs {
			t.Errorf("instance %s counter = %d (found=%v), want %d", name, n, ok, workers*incs)
		}
	}
}

func BenchmarkCachedVsBaseRepository(b *testing.B) {
	ctx := context.Background()
	base := newMockUserRepository()
	seedUsers(base, 100)

	b.Run("Base", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = base.GetByID(ctx, fmt.Sprintf("user-%d", i%100))
		}
	})

	b.Run("LocalTier", func(b *testing.B) {
		c, err := NewContainer(testConfig(), WithLogger(zap.NewNop()))
		if err != nil {
			b.Fatal(err)
		}
		defer c.Close()
		repo := NewCachedRepository[User](c, base)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = repo.GetByID(ctx, fmt.Sprintf("user-%d", i%100))
		}
	})

	b.Run("RemoteTierOnly", func(b *testing.B) {
		server := miniredis.NewMiniRedis()
		if err := server.Start(); err != nil {
			b.Fatal(err)
		}
		defer server.Close()
		cfg := testConfig()
		cfg.Cache.EnableRemote = true
		cfg.Cache.EnableLocal = false
		c, err := NewContainer(cfg, WithLogger(zap.NewNop()), WithRedisClient(redis.NewClient(&redis.Options{Addr: server.Addr()})))
		if err != nil {
			b.Fatal(err)
		}
		defer c.Close()
		repo := NewCachedRepository[User](c, base)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = repo.GetByID(ctx, fmt.Sprintf("user-%d", i%100))
		}
	})
}

func BenchmarkTaggedSetAndInvalidate(b *testing.B) {
	ctx := context.Background()
	c, err := NewContainer(testConfig(), WithLogger(zap.NewNop()))
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()
	m := c.Cache()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tag := fmt.Sprintf("batch:%d", i%10)
		_ = m.Set(ctx, fmt.Sprintf("item:%d", i), i, cache.WithTags(tag))
		if i%100 == 99 {
			_, _ = c.Invalidator().InvalidateByTag(ctx, tag)
		}
	}
}

func BenchmarkConcurrentCacheAccess(b *testing.B) {
	ctx := context.Background()
	c, err := NewContainer(testConfig(), WithLogger(zap.NewNop()))
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()
	base := newMockUserRepository()
	seedUsers(base, 100)
	repo := NewCachedRepository[User](c, base)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = repo.GetByID(ctx, fmt.Sprintf("user-%d", i%100))
			i++
		}
	})
}
