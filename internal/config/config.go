// Package config loads the cachesvc configuration from YAML with
// CACHESVC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-cache-resilience/cache"
	"github.com/goliatone/go-cache-resilience/health"
	"github.com/goliatone/go-cache-resilience/internal/logging"
	"github.com/goliatone/go-cache-resilience/txmanager"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CACHESVC_"

// Database drivers understood by the container.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Cache       cache.Config     `yaml:"cache"`
	Redis       RedisConfig      `yaml:"redis"`
	Database    DatabaseConfig   `yaml:"database"`
	Transaction txmanager.Config `yaml:"transaction"`
	Health      HealthConfig     `yaml:"health"`
	Warming     WarmingConfig    `yaml:"warming"`
	HTTP        HTTPConfig       `yaml:"http"`
	Log         logging.Options  `yaml:"log"`
}

// RedisConfig points the remote tier at a Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig selects the SQL database. An empty Driver runs the service
// without transactions or health checks.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Driver != ""
}

// HealthConfig wraps the checker options with a switch for the background loop.
type HealthConfig struct {
	health.Config `yaml:",inline"`

	Continuous bool `yaml:"continuous"`
}

// WarmingConfig controls the cache warming loop.
type WarmingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cache: cache.DefaultConfig(),
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Transaction: txmanager.DefaultConfig(),
		Health: HealthConfig{
			Config:     health.DefaultConfig(),
			Continuous: true,
		},
		Warming: WarmingConfig{
			Interval: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: logging.Options{Level: "info"},
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Cache),
		validation.Field(&c.Redis),
		validation.Field(&c.Database),
		validation.Field(&c.Transaction),
		validation.Field(&c.Health),
		validation.Field(&c.Warming),
		validation.Field(&c.HTTP),
	)
	if err == nil && c.Cache.EnableRemote && c.Redis.Addr == "" {
		err = validation.Errors{"redis": validation.Errors{"addr": validation.ErrRequired}}
	}
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid configuration")
	}
	return nil
}

// Validate checks the redis section.
func (c RedisConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DB, validation.Min(0)),
		validation.Field(&c.PoolSize, validation.Min(0)),
	)
}

// Validate checks the database section.
func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.When(c.Enabled(), validation.Required)),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
	)
}

// Validate checks the health section.
func (c HealthConfig) Validate() error {
	return c.Config.Validate()
}

// Validate checks the warming section.
func (c WarmingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.When(c.Enabled, validation.Required, validation.Min(time.Second))),
	)
}

// Validate checks the http section.
func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Required),
	)
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides the most commonly deployed settings.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("CACHE_KEY_PREFIX", &cfg.Cache.KeyPrefix)
	env.duration("CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	env.boolean("CACHE_ENABLE_LOCAL", &cfg.Cache.EnableLocal)
	env.boolean("CACHE_ENABLE_REMOTE", &cfg.Cache.EnableRemote)
	env.boolean("CACHE_ENABLE_PROVIDER", &cfg.Cache.EnableProvider)
	env.integer("CACHE_COMPRESSION_THRESHOLD", &cfg.Cache.CompressionThreshold)

	env.str("REDIS_ADDR", &cfg.Redis.Addr)
	env.str("REDIS_PASSWORD", &cfg.Redis.Password)
	env.integer("REDIS_DB", &cfg.Redis.DB)

	env.str("DATABASE_DRIVER", &cfg.Database.Driver)
	env.str("DATABASE_DSN", &cfg.Database.DSN)

	env.integer("TRANSACTION_MAX_RETRIES", &cfg.Transaction.MaxRetries)
	env.duration("TRANSACTION_RETRY_DELAY", &cfg.Transaction.RetryDelay)
	env.duration("TRANSACTION_TIMEOUT", &cfg.Transaction.Timeout)

	env.duration("HEALTH_INTERVAL", &cfg.Health.Interval)
	env.duration("HEALTH_SLOW_QUERY_THRESHOLD", &cfg.Health.SlowQueryThreshold)
	env.boolean("HEALTH_CONTINUOUS", &cfg.Health.Continuous)

	env.boolean("WARMING_ENABLED", &cfg.Warming.Enabled)
	env.duration("WARMING_INTERVAL", &cfg.Warming.Interval)

	env.str("HTTP_ADDR", &cfg.HTTP.Addr)

	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.boolean("LOG_DEVELOPMENT", &cfg.Log.Development)

	if len(env.errs) > 0 {
		return goerrors.Wrap(env.errs, goerrors.CategoryValidation, "invalid environment override")
	}
	return nil
}

type envReader struct {
	lookup lookupFunc
	errs   validation.Errors
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name string, err error) {
	if e.errs == nil {
		e.errs = validation.Errors{}
	}
	e.errs[EnvPrefix+name] = err
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}
