package health

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-cache-resilience/txmanager"
)

// ErrNotConnected is reported when the connectivity ping fails.
var ErrNotConnected = errors.New("health: database not reachable")

// Status is the three-level health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DB is the database handle checked by the checker. *sql.DB implements it.
type DB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Stats() sql.DBStats
}

// TableStatsFunc reports per-table row counts.
type TableStatsFunc func(ctx context.Context) ([]TableStat, error)

// ErrorKind buckets recorded errors.
type ErrorKind string

const (
	ErrorConnection ErrorKind = "connection"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorDeadlock   ErrorKind = "deadlock"
	ErrorOther      ErrorKind = "other"
)

// SlowQuery is a query that ran longer than the slow query threshold.
type SlowQuery struct {
	Query    string        `json:"query"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// RecordedError is a classified database error kept in the error window.
type RecordedError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TableStat is the row count of a single table.
type TableStat struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// PoolMetrics mirrors sql.DBStats with a utilisation verdict.
type PoolMetrics struct {
	Open         int           `json:"open"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	MaxOpen      int           `json:"max_open"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration"`
	Health       Status        `json:"health"`
}

// SlowQueryMetrics summarises slow queries inside the window.
type SlowQueryMetrics struct {
	Count  int         `json:"count"`
	Recent []SlowQuery `json:"recent,omitempty"`
}

// ErrorMetrics counts windowed errors per ErrorKind.
type ErrorMetrics struct {
	Total      int             `json:"total"`
	Connection int             `json:"connection"`
	Timeout    int             `json:"timeout"`
	Deadlock   int             `json:"deadlock"`
	Other      int             `json:"other"`
	Recent     []RecordedError `json:"recent,omitempty"`
}

// PerformanceMetrics holds latency percentiles over the recorded query
// durations.
type PerformanceMetrics struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Max     time.Duration `json:"max"`
}

// TableMetrics is the result of the table stats source. Empty when none is
// configured.
type TableMetrics struct {
	Count     int         `json:"count"`
	TotalRows int64       `json:"total_rows"`
	Tables    []TableStat `json:"tables,omitempty"`
}

// Report is the outcome of a single Check.
type Report struct {
	Status      Status             `json:"status"`
	Connected   bool               `json:"connected"`
	CheckedAt   time.Time          `json:"checked_at"`
	PingLatency time.Duration      `json:"ping_latency"`
	Pool        PoolMetrics        `json:"pool"`
	SlowQueries SlowQueryMetrics   `json:"slow_queries"`
	Errors      ErrorMetrics       `json:"errors"`
	Performance PerformanceMetrics `json:"performance"`
	Tables      TableMetrics       `json:"tables"`
	Error       string             `json:"error,omitempty"`

	Err error `json:"-"`
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegisterer registers the health metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Checker) { c.registerer = reg }
}

// WithTableStats sets the source of table metrics.
func WithTableStats(fn TableStatsFunc) Option {
	return func(c *Checker) { c.tables = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// Checker assesses database availability and performance.
type Checker struct {
	db         DB
	cfg        Config
	logger     *zap.Logger
	registerer prometheus.Registerer
	metrics    *Metrics
	tables     TableStatsFunc
	now        func() time.Time

	samples *ring[time.Duration]
	slow    *ring[SlowQuery]
	errs    *ring[RecordedError]

	mu   sync.Mutex
	last Report
	stop chan struct{}
	done chan struct{}
}

// NewChecker validates cfg and creates a Checker over db.
func NewChecker(db DB, cfg Config, opts ...Option) (*Checker, error) {
	if db == nil {
		return nil, fmt.Errorf("health: db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("health: invalid config: %w", err)
	}

	c := &Checker{
		db:      db,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		samples: newRing[time.Duration](cfg.MaxSamples),
		slow:    newRing[SlowQuery](cfg.MaxSlowQueries),
		errs:    newRing[RecordedError](cfg.MaxErrors),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("health")
	c.metrics = NewMetrics(c.registerer)
	return c, nil
}

// Check pings the database and, when reachable, gathers pool, slow query,
// error, latency and table metrics in parallel. A failing gatherer leaves
// its section zeroed.
func (c *Checker) Check(ctx context.Context) Report {
	start := c.now()
	report := Report{CheckedAt: start}

	latency, err := c.ping(ctx)
	report.PingLatency = latency
	if err != nil {
		report.Status = StatusUnhealthy
		report.Err = fmt.Errorf("%w: %v", ErrNotConnected, err)
		report.Error = report.Err.Error()
		c.RecordError(err)
		c.finish(report, start)
		return report
	}
	report.Connected = true
	c.RecordQuery("SELECT 1", latency)

	// Pool stats are read before the gatherers borrow connections.
	report.Pool = c.poolMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.SlowQueries = c.slowQueryMetrics(start)
		return nil
	})
	g.Go(func() error {
		report.Errors = c.errorMetrics(start)
		return nil
	})
	g.Go(func() error {
		report.Performance = summarize(c.samples.snapshot())
		return nil
	})
	g.Go(func() error {
		tables, err := c.tableMetrics(gctx)
		if err != nil {
			c.logger.Warn("table metrics unavailable", zap.Error(err))
			return nil
		}
		report.Tables = tables
		return nil
	})
	_ = g.Wait()

	report.Status = DetermineStatus(report, c.cfg.Thresholds)
	c.finish(report, start)
	return report
}

func (c *Checker) ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	return time.Since(start), err
}

func (c *Checker) finish(report Report, start time.Time) {
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	c.metrics.Checks.WithLabelValues(string(report.Status)).Inc()
	c.metrics.CheckDuration.Observe(c.now().Sub(start).Seconds())
	c.metrics.Status.Set(statusValue(report.Status))
}

func (c *Checker) poolMetrics() PoolMetrics {
	s := c.db.Stats()
	pm := PoolMetrics{
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		MaxOpen:      s.MaxOpenConnections,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
		Health:       StatusHealthy,
	}
	if pm.MaxOpen > 0 {
		switch {
		case pm.InUse >= pm.MaxOpen:
			pm.Health = StatusUnhealthy
		case float64(pm.InUse)/float64(pm.MaxOpen) >= c.cfg.Thresholds.PoolDegradedRatio:
			pm.Health = StatusDegraded
		}
	}
	return pm
}

func (c *Checker) slowQueryMetrics(now time.Time) SlowQueryMetrics {
	cutoff := now.Add(-c.cfg.Window)
	var out SlowQueryMetrics
	for _, q := range c.slow.snapshot() {
		if q.At.Before(cutoff) {
			continue
		}
		out.Count++
		out.Recent = append(out.Recent, q)
	}
	return out
}

func (c *Checker) errorMetrics(now time.Time) ErrorMetrics {
	cutoff := now.Add(-c.cfg.Window)
	var out ErrorMetrics
	for _, e := range c.errs.snapshot() {
		if e.At.Before(cutoff) {
			continue
		}
		out.Total++
		switch e.Kind {
		case ErrorConnection:
			out.Connection++
		case ErrorTimeout:
			out.Timeout++
		case ErrorDeadlock:
			out.Deadlock++
		default:
			out.Other++
		}
		out.Recent = append(out.Recent, e)
	}
	return out
}

func (c *Checker) tableMetrics(ctx context.Context) (TableMetrics, error) {
	if c.tables == nil {
		return TableMetrics{}, nil
	}
	stats, err := c.tables(ctx)
	if err != nil {
		return TableMetrics{}, err
	}
	out := TableMetrics{Count: len(stats), Tables: stats}
	for _, t := range stats {
		out.TotalRows += t.Rows
	}
	return out, nil
}

// DetermineStatus derives the verdict of a report: unhealthy when
// disconnected, when the pool is exhausted or when connection errors or slow
// queries pass their high thresholds; degraded on a busy pool, errors, slow
// queries or p99 latency over their lower thresholds.
func DetermineStatus(r Report, t Thresholds) Status {
	switch {
	case !r.Connected,
		r.Pool.Health == StatusUnhealthy,
		r.Errors.Connection > t.ConnectionErrorsUnhealthy,
		r.SlowQueries.Count > t.SlowQueriesUnhealthy:
		return StatusUnhealthy
	case r.Pool.Health == StatusDegraded,
		r.Errors.Total > t.ErrorsDegraded,
		r.Performance.P99 > t.P99Ceiling,
		r.SlowQueries.Count > t.SlowQueriesDegraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// RecordQuery feeds one query duration into the latency sample and, above
// the slow query threshold, the slow query log.
func (c *Checker) RecordQuery(query string, d time.Duration) {
	c.samples.push(d)
	if d >= c.cfg.SlowQueryThreshold {
		c.slow.push(SlowQuery{Query: query, Duration: d, At: c.now()})
		c.metrics.SlowQueries.Inc()
	}
}

// RecordError classifies err and adds it to the error log.
func (c *Checker) RecordError(err error) {
	if err == nil {
		return
	}
	kind := ClassifyError(err)
	c.errs.push(RecordedError{Kind: kind, Message: err.Error(), At: c.now()})
	c.metrics.Errors.WithLabelValues(string(kind)).Inc()
}

var connectionIndicators = []string{
	"connection refused",
	"connection reset",
	"bad connection",
	"broken pipe",
	"no such host",
	"database is closed",
	"econnrefused",
	"econnreset",
	"could not connect",
}

// ClassifyError buckets err as a connection, timeout, deadlock or other
// failure.
func ClassifyError(err error) ErrorKind {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrorConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return ErrorConnection
	}
	msg := strings.ToLower(err.Error())
	for _, s := range connectionIndicators {
		if strings.Contains(msg, s) {
			return ErrorConnection
		}
	}

	switch txmanager.Classify(err) {
	case txmanager.FailureTimeout:
		return ErrorTimeout
	case txmanager.FailureDeadlock:
		return ErrorDeadlock
	}
	return ErrorOther
}

// Last returns the report of the most recent Check.
func (c *Checker) Last() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// StartContinuous runs Check every interval until the returned stop is
// called or ctx ends. A non-positive interval uses the configured one.
// Calling it while running is a no-op.
func (c *Checker) StartContinuous(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = c.cfg.Interval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return c.StopContinuous
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			if c.stop == stop {
				c.stop, c.done = nil, nil
			}
			c.mu.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := c.Check(ctx)
				if report.Status != StatusHealthy {
					c.logger.Warn("database health check",
						zap.String("status", string(report.Status)),
						zap.Bool("connected", report.Connected),
						zap.Int("slow_queries", report.SlowQueries.Count),
						zap.Int("errors", report.Errors.Total),
						zap.Duration("p99", report.Performance.P99),
						zap.String("error", report.Error),
					)
				}
			}
		}
	}()
	return c.StopContinuous
}

// StopContinuous stops the periodic check and waits for it to exit.
func (c *Checker) StopContinuous() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the periodic check is active.
func (c *Checker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Reset drops the recorded samples, slow queries and errors.
func (c *Checker) Reset() {
	c.samples.reset()
	c.slow.reset()
	c.errs.reset()
}
