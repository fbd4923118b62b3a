package repositorycache

import (
	"context"
	"fmt"
	"reflect"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/events"
)

// Interface assertion to ensure CachedRepository implements Repository[T]
var _ repository.Repository[any] = (*CachedRepository[any])(nil)

// Actions published as "<entity>.<action>" after successful writes.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// listResult wraps the tuple result from List operations for caching
type listResult[T any] struct {
	Records []T `msgpack:"records" json:"records"`
	Total   int `msgpack:"total" json:"total"`
}

type options struct {
	bus    events.Bus
	entity string
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a CachedRepository.
type Option func(*options)

// WithBus publishes write events on bus.
func WithBus(bus events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithEntityName overrides the entity name used in keys, tags and event
// topics. It defaults to the snake_case name of T.
func WithEntityName(name string) Option {
	return func(o *options) { o.entity = toSnake(name) }
}

// WithTTL overrides the manager default TTL for cached reads.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// CachedRepository decorates a base repository with caching functionality
type CachedRepository[T any] struct {
	base          repository.Repository[T]
	cache         *cache.Manager
	keySerializer cache.KeySerializer
	bus           events.Bus
	entity        string
	ttl           time.Duration
	logger        *zap.Logger
}

// New creates a new CachedRepository that wraps the base repository with caching
func New[T any](base repository.Repository[T], manager *cache.Manager, keySerializer cache.KeySerializer, opts ...Option) *CachedRepository[T] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.entity == "" {
		o.entity = entityName[T]()
	}
	if keySerializer == nil {
		keySerializer = cache.NewDefaultKeySerializer()
	}

	return &CachedRepository[T]{
		base:          base,
		cache:         manager,
		keySerializer: keySerializer,
		bus:           o.bus,
		entity:        o.entity,
		ttl:           o.ttl,
		logger:        o.logger.Named("repositorycache").With(zap.String("entity", o.entity)),
	}
}

// Entity returns the name used for keys, tags and event topics.
func (c *CachedRepository[T]) Entity() string {
	return c.entity
}

// EntityTag is attached to every cached read of the entity.
func (c *CachedRepository[T]) EntityTag() string {
	return c.entity
}

// ListTag is attached to reads whose result depends on the whole table.
func (c *CachedRepository[T]) ListTag() string {
	return cache.Key(c.entity, "list")
}

// RecordTag is attached to reads returning the record with id.
func (c *CachedRepository[T]) RecordTag(id string) string {
	return cache.Key(c.entity, id)
}

// IdentifierTag is attached to GetByIdentifier reads.
func (c *CachedRepository[T]) IdentifierTag(identifier string) string {
	return cache.Key(c.entity, "ident", identifier)
}

// Get retrieves a single record using the provided criteria, with caching
func (c *CachedRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "Get", len(criteria))
	if !ok {
		return c.base.Get(ctx, criteria...)
	}
	return cachedRead(ctx, c, key, []string{c.ListTag()}, func(ctx context.Context) (T, error) {
		return c.base.Get(ctx, criteria...)
	}, c.recordTags)
}

// GetByID retrieves a record by ID with optional criteria, with caching
func (c *CachedRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "GetByID", len(criteria), id)
	if !ok {
		return c.base.GetByID(ctx, id, criteria...)
	}
	return cachedRead(ctx, c, key, []string{c.RecordTag(id)}, func(ctx context.Context) (T, error) {
		return c.base.GetByID(ctx, id, criteria...)
	}, nil)
}

// List retrieves multiple records using the provided criteria, with caching
func (c *CachedRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	key, ok := c.readKey(ctx, "List", len(criteria))
	if !ok {
		return c.base.List(ctx, criteria...)
	}
	res, err := cachedRead(ctx, c, key, []string{c.ListTag()}, func(ctx context.Context) (listResult[T], error) {
		records, total, err := c.base.List(ctx, criteria...)
		return listResult[T]{Records: records, Total: total}, err
	}, nil)
	if err != nil {
		return nil, 0, err
	}
	return res.Records, res.Total, nil
}

// Count returns the number of records matching the criteria, with caching
func (c *CachedRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	key, ok := c.readKey(ctx, "Count", len(criteria))
	if !ok {
		return c.base.Count(ctx, criteria...)
	}
	return cachedRead(ctx, c, key, []string{c.ListTag()}, func(ctx context.Context) (int, error) {
		return c.base.Count(ctx, criteria...)
	}, nil)
}

// GetByIdentifier retrieves a record by identifier with optional criteria, with caching
func (c *CachedRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	key, ok := c.readKey(ctx, "GetByIdentifier", len(criteria), identifier)
	if !ok {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	}
	return cachedRead(ctx, c, key, []string{c.IdentifierTag(identifier)}, func(ctx context.Context) (T, error) {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	}, c.recordTags)
}

// Create creates a new record. Write operations pass through to base repository
func (c *CachedRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.Create(ctx, record, criteria...)
	if err == nil {
		c.afterCreate(ctx, result)
	}
	return result, err
}

// CreateTx creates a new record within a transaction
func (c *CachedRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.CreateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.afterCreate(ctx, result)
	}
	return result, err
}

// CreateMany creates multiple records
func (c *CachedRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateMany(ctx, records, criteria...)
	if err == nil {
		c.afterCreate(ctx, result...)
	}
	return result, err
}

// CreateManyTx creates multiple records within a transaction
func (c *CachedRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.afterCreate(ctx, result...)
	}
	return result, err
}

// GetOrCreate gets a record or creates it if it doesn't exist
func (c *CachedRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	result, err := c.base.GetOrCreate(ctx, record)
	if err == nil {
		// the record may be new
		c.afterCreate(ctx, result)
	}
	return result, err
}

// GetOrCreateTx gets a record or creates it if it doesn't exist within a transaction
func (c *CachedRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	result, err := c.base.GetOrCreateTx(ctx, tx, record)
	if err == nil {
		c.afterCreate(ctx, result)
	}
	return result, err
}

// Update updates a record
func (c *CachedRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Update(ctx, record, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result)
	}
	return result, err
}

// UpdateTx updates a record within a transaction
func (c *CachedRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpdateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result)
	}
	return result, err
}

// UpdateMany updates multiple records
func (c *CachedRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateMany(ctx, records, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result...)
	}
	return result, err
}

// UpdateManyTx updates multiple records within a transaction
func (c *CachedRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result...)
	}
	return result, err
}

// Upsert inserts or updates a record
func (c *CachedRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Upsert(ctx, record, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result)
	}
	return result, err
}

// UpsertTx inserts or updates a record within a transaction
func (c *CachedRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpsertTx(ctx, tx, record, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result)
	}
	return result, err
}

// UpsertMany inserts or updates multiple records
func (c *CachedRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertMany(ctx, records, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result...)
	}
	return result, err
}

// UpsertManyTx inserts or updates multiple records within a transaction
func (c *CachedRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.afterChange(ctx, ActionUpdated, result...)
	}
	return result, err
}

// Delete deletes a record
func (c *CachedRepository[T]) Delete(ctx context.Context, record T) error {
	err := c.base.Delete(ctx, record)
	if err == nil {
		c.afterChange(ctx, ActionDeleted, record)
	}
	return err
}

// DeleteTx deletes a record within a transaction
func (c *CachedRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.DeleteTx(ctx, tx, record)
	if err == nil {
		c.afterChange(ctx, ActionDeleted, record)
	}
	return err
}

// DeleteMany deletes multiple records based on criteria
func (c *CachedRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteMany(ctx, criteria...)
	if err == nil {
		c.afterCriteriaDelete(ctx)
	}
	return err
}

// DeleteManyTx deletes multiple records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteManyTx(ctx, tx, criteria...)
	if err == nil {
		c.afterCriteriaDelete(ctx)
	}
	return err
}

// DeleteWhere deletes records based on criteria
func (c *CachedRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhere(ctx, criteria...)
	if err == nil {
		c.afterCriteriaDelete(ctx)
	}
	return err
}

// DeleteWhereTx deletes records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhereTx(ctx, tx, criteria...)
	if err == nil {
		c.afterCriteriaDelete(ctx)
	}
	return err
}

// ForceDelete force deletes a record (bypassing soft delete)
func (c *CachedRepository[T]) ForceDelete(ctx context.Context, record T) error {
	err := c.base.ForceDelete(ctx, record)
	if err == nil {
		c.afterChange(ctx, ActionDeleted, record)
	}
	return err
}

// ForceDeleteTx force deletes a record within a transaction (bypassing soft delete)
func (c *CachedRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.ForceDeleteTx(ctx, tx, record)
	if err == nil {
		c.afterChange(ctx, ActionDeleted, record)
	}
	return err
}

// GetTx retrieves a single record using the provided criteria within a transaction
func (c *CachedRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetTx(ctx, tx, criteria...)
}

// GetByIDTx retrieves a record by ID with optional criteria within a transaction
func (c *CachedRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIDTx(ctx, tx, id, criteria...)
}

// ListTx retrieves multiple records using the provided criteria within a transaction
func (c *CachedRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	return c.base.ListTx(ctx, tx, criteria...)
}

// CountTx returns the number of records matching the criteria within a transaction
func (c *CachedRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	return c.base.CountTx(ctx, tx, criteria...)
}

// GetByIdentifierTx retrieves a record by identifier with optional criteria within a transaction
func (c *CachedRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIdentifierTx(ctx, tx, identifier, criteria...)
}

// Raw executes a raw SQL query and returns the results
func (c *CachedRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	return c.base.Raw(ctx, sql, args...)
}

// RawTx executes a raw SQL query within a transaction and returns the results
func (c *CachedRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	return c.base.RawTx(ctx, tx, sql, args...)
}

// Handlers returns the model handlers from the base repository
func (c *CachedRepository[T]) Handlers() repository.ModelHandlers[T] {
	return c.base.Handlers()
}

// readKey builds the cache key of a read. Criteria are closures that cannot
// be keyed reliably, so reads with criteria are only cached when the context
// names them through WithCacheKey.
func (c *CachedRepository[T]) readKey(ctx context.Context, method string, criteria int, args ...any) (string, bool) {
	name := cacheKeyFromContext(ctx)
	if criteria > 0 && name == "" {
		return "", false
	}
	if name != "" {
		args = append(args, name)
	}
	return c.keySerializer.SerializeKey(cache.Key(c.entity, method), args...), true
}

// cachedRead is GetOrCompute with tags derived from the fetched value.
func cachedRead[T, V any](ctx context.Context, c *CachedRepository[T], key string, tags []string, fetch func(context.Context) (V, error), extra func(V) []string) (V, error) {
	if v, ok := cache.Get[V](ctx, c.cache, key); ok {
		return v, nil
	}

	v, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	all := append([]string{c.EntityTag()}, tags...)
	if extra != nil {
		all = append(all, extra(v)...)
	}
	all = append(all, cacheTagsFromContext(ctx)...)

	opts := []cache.SetOption{cache.WithTags(dedupeStrings(all)...)}
	if c.ttl > 0 {
		opts = append(opts, cache.WithTTL(c.ttl))
	}
	if err := c.cache.Set(ctx, key, v, opts...); err != nil {
		c.logger.Warn("cache store after read failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func (c *CachedRepository[T]) recordTags(record T) []string {
	if id, err := c.extractID(record); err == nil && id != "" {
		return []string{c.RecordTag(id)}
	}
	return nil
}

// extractID attempts to extract an ID field from a record using reflection
func (c *CachedRepository[T]) extractID(record T) (string, error) {
	return extractField(record, "ID", "Id", "id")
}

// extractIdentifier attempts to extract an identifier field from a record using reflection
func (c *CachedRepository[T]) extractIdentifier(record T) (string, error) {
	return extractField(record, "Identifier", "identifier", "Name", "name", "Code", "code")
}

func extractField(record any, names ...string) (string, error) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", fmt.Errorf("nil record")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", fmt.Errorf("record is not a struct")
	}

	for _, fieldName := range names {
		field := v.FieldByName(fieldName)
		if field.IsValid() && field.CanInterface() {
			return fmt.Sprintf("%v", field.Interface()), nil
		}
	}
	return "", fmt.Errorf("none of %v found in record", names)
}

func (c *CachedRepository[T]) invalidateTags(ctx context.Context, tags ...string) {
	for _, tag := range dedupeStrings(tags) {
		if _, err := c.cache.InvalidateByTag(ctx, tag); err != nil {
			c.logger.Warn("tag invalidation failed", zap.String("tag", tag), zap.Error(err))
		}
	}
}

// afterCreate drops table-wide reads and announces the new records.
func (c *CachedRepository[T]) afterCreate(ctx context.Context, records ...T) {
	c.invalidateTags(ctx, c.ListTag())
	c.publish(ctx, ActionCreated, c.ids(records))
}

// afterChange drops table-wide reads and every read of the changed records.
func (c *CachedRepository[T]) afterChange(ctx context.Context, action string, records ...T) {
	tags := []string{c.ListTag()}
	for _, record := range records {
		if id, err := c.extractID(record); err == nil {
			tags = append(tags, c.RecordTag(id))
		}
		if identifier, err := c.extractIdentifier(record); err == nil {
			tags = append(tags, c.IdentifierTag(identifier))
		}
	}
	c.invalidateTags(ctx, tags...)
	c.publish(ctx, action, c.ids(records))
}

// afterCriteriaDelete cannot tell which records went away, so every read of
// the entity is dropped.
func (c *CachedRepository[T]) afterCriteriaDelete(ctx context.Context) {
	c.invalidateTags(ctx, c.EntityTag())
	c.publish(ctx, ActionDeleted, nil)
}

func (c *CachedRepository[T]) ids(records []T) []string {
	var out []string
	for _, record := range records {
		if id, err := c.extractID(record); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (c *CachedRepository[T]) publish(ctx context.Context, action string, ids []string) {
	if c.bus == nil {
		return
	}
	topic := c.entity + "." + action
	payload := map[string]any{"entity": c.entity}
	if len(ids) > 0 {
		payload["ids"] = ids
	}
	c.bus.Publish(ctx, topic, events.Event{
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now(),
	})
}

func entityName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := toSnake(t.Name()); name != "" {
		return name
	}
	return "record"
}
