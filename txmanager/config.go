package txmanager

import (
	"database/sql"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Isolation names a transaction isolation level. The empty value leaves the
// choice to the driver.
type Isolation string

const (
	IsolationDefault         Isolation = ""
	IsolationReadUncommitted Isolation = "read_uncommitted"
	IsolationReadCommitted   Isolation = "read_committed"
	IsolationRepeatableRead  Isolation = "repeatable_read"
	IsolationSerializable    Isolation = "serializable"
)

// Level maps the isolation to database/sql.
func (i Isolation) Level() sql.IsolationLevel {
	switch i {
	case IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case IsolationReadCommitted:
		return sql.LevelReadCommitted
	case IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// Config controls retries and timeouts of a transaction.
type Config struct {
	// MaxRetries is the total number of attempts, the first one included.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base of the exponential backoff.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxDelay caps the backoff before jitter.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Timeout bounds each attempt. It is advisory: work that ignores its
	// context keeps running after the attempt is abandoned.
	Timeout time.Duration `yaml:"timeout"`

	Isolation Isolation `yaml:"isolation"`
	ReadOnly  bool      `yaml:"read_only"`

	// Name labels logs, metrics and spans.
	Name string `yaml:"name"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Timeout:    30 * time.Second,
		Isolation:  IsolationDefault,
		Name:       "transaction",
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Isolation, validation.In(
			IsolationDefault,
			IsolationReadUncommitted,
			IsolationReadCommitted,
			IsolationRepeatableRead,
			IsolationSerializable,
		)),
		validation.Field(&c.Name, validation.Required),
	)
}

func (c Config) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: c.Isolation.Level(), ReadOnly: c.ReadOnly}
}

// ExecOption overrides the manager configuration for one call.
type ExecOption func(*Config)

// WithName sets the transaction name for one call.
func WithName(name string) ExecOption {
	return func(c *Config) { c.Name = name }
}

// WithIsolation sets the isolation level for one call.
func WithIsolation(level Isolation) ExecOption {
	return func(c *Config) { c.Isolation = level }
}

// WithTimeout sets the per-attempt timeout for one call.
func WithTimeout(d time.Duration) ExecOption {
	return func(c *Config) { c.Timeout = d }
}

// WithMaxRetries sets the attempt budget for one call.
func WithMaxRetries(n int) ExecOption {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelay sets the backoff base for one call.
func WithRetryDelay(d time.Duration) ExecOption {
	return func(c *Config) { c.RetryDelay = d }
}

// WithReadOnly opens a read-only transaction.
func WithReadOnly() ExecOption {
	return func(c *Config) { c.ReadOnly = true }
}
