package repositorycache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/events"
	"github.com/goliatone/go-cache-resilience/pkg/testsupport"
)

// TestUser represents a test entity
type TestUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// mockRepository is a comprehensive mock that tracks method calls for testing
type mockRepository[T any] struct {
	mu             sync.Mutex
	calls          []string
	getResult      T
	getError       error
	getByIDResult  T
	getByIDError   error
	listRecords    []T
	listTotal      int
	listError      error
	countResult    int
	countError     error
	getByIDResult2 T
	getByIDError2  error
	createResult   T
	createError    error
	updateResult   T
	updateError    error
	deleteError    error
}

// Helper method to record method calls
func (m *mockRepository[T]) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Helper method to get recorded calls
func (m *mockRepository[T]) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Helper method to clear recorded calls
func (m *mockRepository[T]) clearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// READ methods that we want to test caching for
func (m *mockRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("Get")
	return m.getResult, m.getError
}

func (m *mockRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByID")
	return m.getByIDResult, m.getByIDError
}

func (m *mockRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	m.recordCall("List")
	return m.listRecords, m.listTotal, m.listError
}

func (m *mockRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	m.recordCall("Count")
	return m.countResult, m.countError
}

func (m *mockRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByIdentifier")
	return m.getByIDResult2, m.getByIDError2
}

// WRITE methods that we want to test delegation for
func (m *mockRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	m.recordCall("Create")
	return m.createResult, m.createError
}

func (m *mockRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	m.recordCall("Update")
	return m.updateResult, m.updateError
}

func (m *mockRepository[T]) Delete(ctx context.Context, record T) error {
	m.recordCall("Delete")
	return m.deleteError
}

func (m *mockRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	m.recordCall("DeleteMany")
	return m.deleteError
}

// Other methods that panic to ensure they're not called during our tests
func (m *mockRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	panic("Raw not implemented in mock - should not be called in cache tests")
}
func (m *mockRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	panic("RawTx not implemented in mock")
}
func (m *mockRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetByIDTx not implemented in mock")
}
func (m *mockRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	panic("ListTx not implemented in mock")
}
func (m *mockRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	panic("CountTx not implemented in mock")
}
func (m *mockRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	panic("CreateTx not implemented in mock")
}
func (m *mockRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	panic("CreateMany not implemented in mock")
}
func (m *mockRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	panic("CreateManyTx not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	panic("GetOrCreate not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	panic("GetOrCreateTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetByIdentifierTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpdateTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpdateMany not implemented in mock")
}
func (m *mockRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpdateManyTx not implemented in mock")
}
func (m *mockRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("Upsert not implemented in mock")
}
func (m *mockRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpsertTx not implemented in mock")
}
func (m *mockRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertMany not implemented in mock")
}
func (m *mockRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("DeleteTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	panic("DeleteWhere not implemented in mock")
}
func (m *mockRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteWhereTx not implemented in mock")
}
func (m *mockRepository[T]) ForceDelete(ctx context.Context, record T) error {
	panic("ForceDelete not implemented in mock")
}
func (m *mockRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("ForceDeleteTx not implemented in mock")
}
func (m *mockRepository[T]) Handlers() repository.ModelHandlers[T] {
	panic("Handlers not implemented in mock")
}

// recordingBus collects published topics
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, topic string, evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(string, events.Handler) func() { return func() {} }

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Topic)
	}
	return out
}

func newTestManager(t *testing.T) *cache.Manager {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.EnableProvider = false
	m, err := cache.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newCached(t *testing.T, base *mockRepository[TestUser], opts ...Option) (*CachedRepository[TestUser], *cache.Manager) {
	t.Helper()
	m := newTestManager(t)
	return New[TestUser](base, m, cache.NewDefaultKeySerializer(), opts...), m
}

func TestNew(t *testing.T) {
	baseRepo := &mockRepository[TestUser]{}
	m := newTestManager(t)
	keySerializer := cache.NewDefaultKeySerializer()

	cached := New[TestUser](baseRepo, m, keySerializer)

	if cached == nil {
		t.Fatal("New() returned nil")
	}
	if cached.base != baseRepo {
		t.Error("base repository not stored correctly")
	}
	if cached.cache != m {
		t.Error("cache manager not stored correctly")
	}
	if cached.keySerializer != keySerializer {
		t.Error("key serializer not stored correctly")
	}
	if cached.Entity() != "test_user" {
		t.Errorf("Entity() = %q, want %q", cached.Entity(), "test_user")
	}

	named := New[TestUser](baseRepo, m, nil, WithEntityName("Product"))
	if named.Entity() != "product" {
		t.Errorf("Entity() = %q, want %q", named.Entity(), "product")
	}
	if named.keySerializer == nil {
		t.Error("nil key serializer should fall back to the default")
	}
}

// Reads are served from cache on the second call
func TestCachedReadMethods_SecondCallHitsCache(t *testing.T) {
	tests := []struct {
		name          string
		setupRepo     func(*mockRepository[TestUser])
		testOperation func(*CachedRepository[TestUser]) error
		expectedCalls []string
	}{
		{
			name: "Get",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.getResult = TestUser{ID: "fetched-1", Name: "Fetched User"}
			},
			testOperation: func(cached *CachedRepository[TestUser]) error {
				user, err := cached.Get(context.Background())
				if err != nil {
					return err
				}
				if user.ID != "fetched-1" {
					return fmt.Errorf("expected fetched user ID 'fetched-1', got '%s'", user.ID)
				}
				return nil
			},
			expectedCalls: []string{"Get"},
		},
		{
			name: "GetByID",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.getByIDResult = TestUser{ID: "user-2", Name: "Fetched User 2"}
			},
			testOperation: func(cached *CachedRepository[TestUser]) error {
				user, err := cached.GetByID(context.Background(), "user-2")
				if err != nil {
					return err
				}
				if user.ID != "user-2" {
					return fmt.Errorf("expected user ID 'user-2', got '%s'", user.ID)
				}
				return nil
			},
			expectedCalls: []string{"GetByID"},
		},
		{
			name: "List",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.listRecords = []TestUser{{ID: "3", Name: "User 3"}, {ID: "4", Name: "User 4"}}
				repo.listTotal = 2
			},
			testOperation: func(cached *CachedRepository[TestUser]) error {
				records, total, err := cached.List(context.Background())
				if err != nil {
					return err
				}
				if len(records) != 2 || total != 2 {
					return fmt.Errorf("expected 2 records and total 2, got %d records and total %d", len(records), total)
				}
				if records[0].ID != "3" {
					return fmt.Errorf("expected first record ID '3', got '%s'", records[0].ID)
				}
				return nil
			},
			expectedCalls: []string{"List"},
		},
		{
			name: "Count",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.countResult = 100
			},
			testOperation: func(cached *CachedRepository[TestUser]) error {
				count, err := cached.Count(context.Background())
				if err != nil {
					return err
				}
				if count != 100 {
					return fmt.Errorf("expected count 100, got %d", count)
				}
				return nil
			},
			expectedCalls: []string{"Count"},
		},
		{
			name: "GetByIdentifier",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.getByIDResult2 = TestUser{ID: "user-3", Name: "User by identifier from repo"}
			},
			testOperation: func(cached *CachedRepository[TestUser]) error {
				user, err := cached.GetByIdentifier(context.Background(), "email@example.com")
				if err != nil {
					return err
				}
				if user.Name != "User by identifier from repo" {
					return fmt.Errorf("expected user name 'User by identifier from repo', got '%s'", user.Name)
				}
				return nil
			},
			expectedCalls: []string{"GetByIdentifier"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseRepo := &mockRepository[TestUser]{}
			tt.setupRepo(baseRepo)
			cached, _ := newCached(t, baseRepo)

			for i := 0; i < 2; i++ {
				if err := tt.testOperation(cached); err != nil {
					t.Fatalf("call %d failed: %v", i+1, err)
				}
			}

			calls := baseRepo.getCalls()
			if !reflect.DeepEqual(calls, tt.expectedCalls) {
				t.Errorf("base repo calls = %v, want %v", calls, tt.expectedCalls)
			}
		})
	}
}

func TestCachedReadMethods_ErrorPropagation(t *testing.T) {
	baseRepo := &mockRepository[TestUser]{getByIDError: errors.New("repository error")}
	cached, m := newCached(t, baseRepo)

	_, err := cached.GetByID(context.Background(), "user-1")
	if err == nil || err.Error() != "repository error" {
		t.Fatalf("expected repository error, got %v", err)
	}

	if keys := m.NamespacedKeys(context.Background()); len(keys) != 0 {
		t.Errorf("errors must not be cached, found keys %v", keys)
	}

	_, _ = cached.GetByID(context.Background(), "user-1")
	if calls := baseRepo.getCalls(); len(calls) != 2 {
		t.Errorf("expected 2 base calls after failed reads, got %v", calls)
	}
}

func TestCachedReads_WithCriteria(t *testing.T) {
	baseRepo := &mockRepository[TestUser]{countResult: 7}
	cached, _ := newCached(t, baseRepo)
	active := func(q *bun.SelectQuery) *bun.SelectQuery { return q.Where("active = ?", true) }

	for i := 0; i < 2; i++ {
		if _, err := cached.Count(context.Background(), active); err != nil {
			t.Fatalf("Count() error = %v", err)
		}
	}
	if calls := baseRepo.getCalls(); len(calls) != 2 {
		t.Errorf("unnamed criteria reads should bypass the cache, got calls %v", calls)
	}

	baseRepo.clearCalls()
	ctx := WithCacheKey(context.Background(), "active")
	for i := 0; i < 2; i++ {
		if _, err := cached.Count(ctx, active); err != nil {
			t.Fatalf("Count() error = %v", err)
		}
	}
	if calls := baseRepo.getCalls(); len(calls) != 1 {
		t.Errorf("named criteria reads should be cached, got calls %v", calls)
	}
}

func TestWriteMethods_InvalidateAndPublish(t *testing.T) {
	tests := []struct {
		name          string
		setupRepo     func(*mockRepository[TestUser])
		write         func(*CachedRepository[TestUser]) error
		expectedError string
		wantTopics    []string
		wantListGone  bool
		wantByIDGone  bool
	}{
		{
			name: "Create",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.createResult = TestUser{ID: "new-user", Name: "New User"}
			},
			write: func(cached *CachedRepository[TestUser]) error {
				_, err := cached.Create(context.Background(), TestUser{Name: "New User"})
				return err
			},
			wantTopics:   []string{"test_user.created"},
			wantListGone: true,
		},
		{
			name: "Create_Error",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.createError = errors.New("create failed")
			},
			write: func(cached *CachedRepository[TestUser]) error {
				_, err := cached.Create(context.Background(), TestUser{Name: "New User"})
				return err
			},
			expectedError: "create failed",
		},
		{
			name: "Update",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.updateResult = TestUser{ID: "user-1", Name: "Updated User"}
			},
			write: func(cached *CachedRepository[TestUser]) error {
				_, err := cached.Update(context.Background(), TestUser{ID: "user-1", Name: "Updated User"})
				return err
			},
			wantTopics:   []string{"test_user.updated"},
			wantListGone: true,
			wantByIDGone: true,
		},
		{
			name: "Delete",
			setupRepo: func(repo *mockRepository[TestUser]) {},
			write: func(cached *CachedRepository[TestUser]) error {
				return cached.Delete(context.Background(), TestUser{ID: "user-1"})
			},
			wantTopics:   []string{"test_user.deleted"},
			wantListGone: true,
			wantByIDGone: true,
		},
		{
			name: "Delete_Error",
			setupRepo: func(repo *mockRepository[TestUser]) {
				repo.deleteError = errors.New("delete failed")
			},
			write: func(cached *CachedRepository[TestUser]) error {
				return cached.Delete(context.Background(), TestUser{ID: "user-1"})
			},
			expectedError: "delete failed",
		},
		{
			name: "DeleteMany",
			setupRepo: func(repo *mockRepository[TestUser]) {},
			write: func(cached *CachedRepository[TestUser]) error {
				return cached.DeleteMany(context.Background())
			},
			wantTopics:   []string{"test_user.deleted"},
			wantListGone: true,
			wantByIDGone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			baseRepo := &mockRepository[TestUser]{
				getByIDResult: TestUser{ID: "user-1", Name: "User"},
				listRecords:   []TestUser{{ID: "user-1", Name: "User"}},
				listTotal:     1,
			}
			tt.setupRepo(baseRepo)
			bus := &recordingBus{}
			cached, _ := newCached(t, baseRepo, WithBus(bus))

			// warm both reads
			if _, err := cached.GetByID(ctx, "user-1"); err != nil {
				t.Fatalf("GetByID() error = %v", err)
			}
			if _, _, err := cached.List(ctx); err != nil {
				t.Fatalf("List() error = %v", err)
			}

			err := tt.write(cached)
			if tt.expectedError != "" {
				if err == nil || err.Error() != tt.expectedError {
					t.Fatalf("expected error %q, got %v", tt.expectedError, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := bus.topics(); !reflect.DeepEqual(got, tt.wantTopics) && !(len(got) == 0 && len(tt.wantTopics) == 0) {
				t.Errorf("published topics = %v, want %v", got, tt.wantTopics)
			}

			baseRepo.clearCalls()
			_, _ = cached.GetByID(ctx, "user-1")
			_, _, _ = cached.List(ctx)

			var want []string
			if tt.wantByIDGone {
				want = append(want, "GetByID")
			}
			if tt.wantListGone {
				want = append(want, "List")
			}
			calls := baseRepo.getCalls()
			if len(calls) != len(want) || (len(want) > 0 && !reflect.DeepEqual(calls, want)) {
				t.Errorf("reads after write hit base with %v, want %v", calls, want)
			}
		})
	}
}

func TestWriteEvents_TriggerInvalidationThroughBus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil)
	baseRepo := &mockRepository[TestUser]{updateResult: TestUser{ID: "42", Name: "amp"}}
	cached, _ := newCached(t, baseRepo, WithBus(bus), WithEntityName("product"))

	var got []events.Event
	bus.Subscribe(events.ProductUpdated, func(_ context.Context, evt events.Event) error {
		got = append(got, evt)
		return nil
	})

	if _, err := cached.Update(ctx, TestUser{ID: "42", Name: "amp"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one product.updated event, got %d", len(got))
	}
	if ids, _ := got[0].Payload["ids"].([]string); !reflect.DeepEqual(ids, []string{"42"}) {
		t.Errorf("event ids = %v, want [42]", got[0].Payload["ids"])
	}
	if got[0].Payload["entity"] != "product" {
		t.Errorf("event entity = %v, want product", got[0].Payload["entity"])
	}
}

func TestWithCacheTags(t *testing.T) {
	ctx := context.Background()
	baseRepo := &mockRepository[TestUser]{getByIDResult: TestUser{ID: "user-1", Name: "User"}}
	cached, m := newCached(t, baseRepo)

	tagged := WithCacheTags(ctx, "homepage", "homepage", " ")
	if _, err := cached.GetByID(tagged, "user-1"); err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	members, err := m.TagMembers(ctx, "homepage")
	if err != nil {
		t.Fatalf("TagMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 key under homepage tag, got %v", members)
	}

	n, err := m.InvalidateByTag(ctx, "homepage")
	if err != nil || n != 1 {
		t.Fatalf("InvalidateByTag() = %d, %v", n, err)
	}
	baseRepo.clearCalls()
	_, _ = cached.GetByID(ctx, "user-1")
	if calls := baseRepo.getCalls(); len(calls) != 1 {
		t.Errorf("expected refetch after tag invalidation, got %v", calls)
	}
}

func TestDedupeStrings(t *testing.T) {
	got := dedupeStrings([]string{"b", "a", "b", "", " a ", "c"})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dedupeStrings() = %v, want %v", got, want)
	}
	if dedupeStrings(nil) != nil {
		t.Error("dedupeStrings(nil) should be nil")
	}
}

func TestExtractFields(t *testing.T) {
	cached := New[TestUser](&mockRepository[TestUser]{}, newTestManager(t), nil)

	id, err := cached.extractID(TestUser{ID: "abc"})
	if err != nil || id != "abc" {
		t.Errorf("extractID() = %q, %v", id, err)
	}
	ident, err := cached.extractIdentifier(TestUser{Name: "amp"})
	if err != nil || ident != "amp" {
		t.Errorf("extractIdentifier() = %q, %v", ident, err)
	}
	if _, err := extractField(42, "ID"); err == nil {
		t.Error("extractField on a non struct should fail")
	}
	var nilUser *TestUser
	if _, err := extractField(nilUser, "ID"); err == nil {
		t.Error("extractField on a nil pointer should fail")
	}
}

// Test repository interface satisfaction
func TestRepositoryInterfaceSatisfaction(t *testing.T) {
	cached, _ := newCached(t, &mockRepository[TestUser]{})

	var repo repository.Repository[TestUser] = cached
	if repo == nil {
		t.Error("CachedRepository does not satisfy Repository interface")
	}
}

// Test fixture-based scenarios using test support utilities
func TestCacheScenarios_WithFixtures(t *testing.T) {
	var testUsers []TestUser
	testsupport.LoadFixtureJSON(t, testsupport.FixturePath("users.json"), &testUsers)

	baseRepo := &mockRepository[TestUser]{listRecords: testUsers, listTotal: len(testUsers)}
	cached, m := newCached(t, baseRepo)
	ctx := context.Background()

	records1, total1, err := cached.List(ctx)
	if err != nil {
		t.Fatalf("First List call failed: %v", err)
	}
	if len(records1) != len(testUsers) || total1 != len(testUsers) {
		t.Errorf("Expected %d records from first call, got %d records and total %d", len(testUsers), len(records1), total1)
	}

	baseRepo.clearCalls()

	records2, _, err := cached.List(ctx)
	if err != nil {
		t.Fatalf("Second List call failed: %v", err)
	}
	if calls := baseRepo.getCalls(); len(calls) != 0 {
		t.Errorf("Expected no repository calls on cache hit, got %d: %v", len(calls), calls)
	}
	if !reflect.DeepEqual(records1, records2) {
		t.Error("Results from cache hit should match results from cache miss")
	}

	keys := m.NamespacedKeys(ctx)
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "cache:test_user:List" {
		t.Errorf("unexpected cache keys %v", keys)
	}
}
