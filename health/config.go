package health

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Thresholds drive DetermineStatus.
type Thresholds struct {
	// PoolDegradedRatio is the in-use/max-open ratio at which the pool is
	// reported as degraded. A pool with every connection in use is exhausted.
	PoolDegradedRatio float64 `yaml:"pool_degraded_ratio"`

	ConnectionErrorsUnhealthy int           `yaml:"connection_errors_unhealthy"`
	ErrorsDegraded            int           `yaml:"errors_degraded"`
	SlowQueriesUnhealthy      int           `yaml:"slow_queries_unhealthy"`
	SlowQueriesDegraded       int           `yaml:"slow_queries_degraded"`
	P99Ceiling                time.Duration `yaml:"p99_ceiling"`
}

// DefaultThresholds returns the stock status thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PoolDegradedRatio:         0.8,
		ConnectionErrorsUnhealthy: 10,
		ErrorsDegraded:            5,
		SlowQueriesUnhealthy:      50,
		SlowQueriesDegraded:       10,
		P99Ceiling:                time.Second,
	}
}

// Validate checks the threshold values.
func (t Thresholds) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.PoolDegradedRatio, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&t.ConnectionErrorsUnhealthy, validation.Min(0)),
		validation.Field(&t.ErrorsDegraded, validation.Min(0)),
		validation.Field(&t.SlowQueriesUnhealthy, validation.Min(0)),
		validation.Field(&t.SlowQueriesDegraded, validation.Min(0)),
		validation.Field(&t.P99Ceiling, validation.Required),
	)
}

// Config controls the health checker.
type Config struct {
	// Interval is the default period of StartContinuous.
	Interval time.Duration `yaml:"interval"`

	// SlowQueryThreshold marks a recorded query as slow.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`

	// Window bounds the age of slow queries and errors counted by Check.
	Window time.Duration `yaml:"window"`

	// PingTimeout bounds the connectivity query.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	MaxSamples     int `yaml:"max_samples"`
	MaxSlowQueries int `yaml:"max_slow_queries"`
	MaxErrors      int `yaml:"max_errors"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns the default health configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		SlowQueryThreshold: time.Second,
		Window:             5 * time.Minute,
		PingTimeout:        5 * time.Second,
		MaxSamples:         1000,
		MaxSlowQueries:     100,
		MaxErrors:          100,
		Thresholds:         DefaultThresholds(),
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.SlowQueryThreshold, validation.Required),
		validation.Field(&c.Window, validation.Required),
		validation.Field(&c.PingTimeout, validation.Required),
		validation.Field(&c.MaxSamples, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxSlowQueries, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxErrors, validation.Required, validation.Min(1)),
		validation.Field(&c.Thresholds),
	)
}
