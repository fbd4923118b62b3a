package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	repository "github.com/goliatone/go-repository-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/events"
	"github.com/goliatone/go-cache-resilience/health"
	"github.com/goliatone/go-cache-resilience/internal/config"
	"github.com/goliatone/go-cache-resilience/internal/httpapi"
	"github.com/goliatone/go-cache-resilience/internal/logging"
	"github.com/goliatone/go-cache-resilience/invalidation"
	"github.com/goliatone/go-cache-resilience/repositorycache"
	"github.com/goliatone/go-cache-resilience/txmanager"
)

// Container owns the service components and their lifecycle. The database
// backed components (transactions and health) are nil when no database is
// configured.
type Container struct {
	config        config.Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	db            *bun.DB
	ownsDB        bool
	cache         *cache.Manager
	keySerializer cache.KeySerializer
	bus           *events.LocalBus
	invalidator   *invalidation.Invalidator
	tx            *txmanager.Manager
	health        *health.Checker
	warmItems     []invalidation.WarmItem

	mu        sync.Mutex
	started   bool
	stopFns   []func()
	closeOnce sync.Once
	closeErr  error
}

// Option customises NewContainer.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	redis     redis.UniversalClient
	db        *bun.DB
	warmItems []invalidation.WarmItem
}

// WithLogger replaces the logger built from the log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithRegistry registers every collector on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithRedisClient supplies the remote tier client instead of dialing the
// redis section. The container closes it on Close.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *containerOptions) { o.redis = client }
}

// WithDB supplies the database instead of opening the database section. The
// caller keeps ownership of db.
func WithDB(db *bun.DB) Option {
	return func(o *containerOptions) { o.db = db }
}

// WithWarmItems sets the keys kept populated by the warming loop.
func WithWarmItems(items ...invalidation.WarmItem) Option {
	return func(o *containerOptions) { o.warmItems = append(o.warmItems, items...) }
}

// NewContainer builds every component described by cfg. Nothing runs in the
// background until Start.
func NewContainer(cfg config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := containerOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		config:        cfg,
		logger:        o.logger,
		registry:      o.registry,
		db:            o.db,
		keySerializer: cache.NewDefaultKeySerializer(),
		warmItems:     o.warmItems,
	}

	if c.logger == nil {
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if err := c.build(cfg, o.redis); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDefaults creates a container from config.Default: local
// and provider tiers, no database.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(config.Default())
}

func (c *Container) build(cfg config.Config, client redis.UniversalClient) error {
	cacheOpts := []cache.Option{
		cache.WithLogger(c.logger),
		cache.WithRegisterer(c.registry),
	}
	if cfg.Cache.EnableRemote {
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
		}
		cacheOpts = append(cacheOpts, cache.WithRedisClient(client))
	}

	manager, err := cache.NewManager(cfg.Cache, cacheOpts...)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return fmt.Errorf("di: cache manager: %w", err)
	}
	c.cache = manager

	c.bus = events.NewBus(c.logger)

	c.invalidator, err = invalidation.NewInvalidator(manager,
		invalidation.WithLogger(c.logger),
		invalidation.WithBus(c.bus),
		invalidation.WithRegisterer(c.registry),
	)
	if err != nil {
		return fmt.Errorf("di: invalidator: %w", err)
	}
	if err := c.invalidator.RegisterDefaultRules(); err != nil {
		return fmt.Errorf("di: default rules: %w", err)
	}

	if c.db == nil && cfg.Database.Enabled() {
		c.db, err = OpenDB(cfg.Database)
		if err != nil {
			return err
		}
		c.ownsDB = true
	}
	if c.db == nil {
		return nil
	}

	c.tx, err = txmanager.NewManager(c.db, cfg.Transaction,
		txmanager.WithLogger(c.logger),
		txmanager.WithRegisterer(c.registry),
	)
	if err != nil {
		return fmt.Errorf("di: transaction manager: %w", err)
	}

	c.health, err = health.NewChecker(c.db.DB, cfg.Health.Config,
		health.WithLogger(c.logger),
		health.WithRegisterer(c.registry),
		health.WithTableStats(health.BunTableStats(c.db)),
	)
	if err != nil {
		return fmt.Errorf("di: health checker: %w", err)
	}
	c.db.AddQueryHook(c.health.QueryHook())

	return nil
}

// OpenDB opens the configured database with the bun dialect matching its
// driver.
func OpenDB(cfg config.DatabaseConfig) (*bun.DB, error) {
	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("di: open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case config.DriverSQLite:
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		_ = sqldb.Close()
		return nil, fmt.Errorf("di: unsupported database driver %q", cfg.Driver)
	}
}

// Start launches the continuous health check and the warming loop when they
// are enabled. Calling Start twice is a no-op.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if c.health != nil && c.config.Health.Continuous {
		c.stopFns = append(c.stopFns, c.health.StartContinuous(ctx, c.config.Health.Interval))
	}

	if c.config.Warming.Enabled && len(c.warmItems) > 0 {
		err := c.invalidator.SetupWarming(invalidation.WarmingConfig{
			Interval: c.config.Warming.Interval,
			Items:    c.warmItems,
		})
		if err != nil {
			return err
		}
		stop, err := c.invalidator.StartWarming(ctx)
		if err != nil {
			return err
		}
		c.stopFns = append(c.stopFns, stop)
	}

	c.started = true
	c.logger.Info("container started",
		zap.Bool("database", c.db != nil),
		zap.Bool("remote_cache", c.config.Cache.EnableRemote),
		zap.Bool("warming", c.config.Warming.Enabled && len(c.warmItems) > 0),
	)
	return nil
}

// Close stops background loops and releases every component the container
// owns. It is safe to call more than once.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stops := c.stopFns
		c.stopFns = nil
		c.mu.Unlock()

		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}

		var errs []error
		if c.invalidator != nil {
			errs = append(errs, c.invalidator.Close())
		}
		if c.cache != nil {
			errs = append(errs, c.cache.Close())
		}
		if c.db != nil && c.ownsDB {
			errs = append(errs, c.db.Close())
		}
		if c.logger != nil {
			_ = c.logger.Sync()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Handler returns the admin HTTP API over the container components.
func (c *Container) Handler() http.Handler {
	deps := httpapi.Deps{
		Cache:       c.cache,
		Invalidator: c.invalidator,
		Gatherer:    c.registry,
		Logger:      c.logger,
	}
	if c.health != nil {
		deps.Health = c.health
	}
	if c.tx != nil {
		deps.Transactions = c.tx
	}
	return httpapi.NewRouter(deps)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

func (c *Container) Logger() *zap.Logger {
	return c.logger
}

func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// Cache returns the layered cache manager.
func (c *Container) Cache() *cache.Manager {
	return c.cache
}

// KeySerializer returns the singleton key serializer instance.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

func (c *Container) Bus() events.Bus {
	return c.bus
}

func (c *Container) Invalidator() *invalidation.Invalidator {
	return c.invalidator
}

// Transactions returns the transaction manager, or nil without a database.
func (c *Container) Transactions() *txmanager.Manager {
	return c.tx
}

// Health returns the health checker, or nil without a database.
func (c *Container) Health() *health.Checker {
	return c.health
}

// DB returns the database, or nil when none is configured.
func (c *Container) DB() *bun.DB {
	return c.db
}

// NewCachedRepository wraps base with the container cache, publishing write
// events on the container bus.
//
// Since Go methods cannot have type parameters, this is provided as a package-level function.
// Example: NewCachedRepository[User](container, baseUserRepository)
func NewCachedRepository[T any](container *Container, base repository.Repository[T], opts ...repositorycache.Option) *repositorycache.CachedRepository[T] {
	all := append([]repositorycache.Option{
		repositorycache.WithBus(container.bus),
		repositorycache.WithLogger(container.logger),
	}, opts...)
	return repositorycache.New[T](base, container.cache, container.keySerializer, all...)
}
