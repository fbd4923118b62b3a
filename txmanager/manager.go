package txmanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/goliatone/go-cache-resilience/txmanager"

var (
	// ErrRetriesExhausted marks a transient failure that persisted through
	// every attempt.
	ErrRetriesExhausted = errors.New("txmanager: retries exhausted")

	// ErrAttemptTimeout is reported when an attempt outlives its timeout.
	ErrAttemptTimeout = errors.New("txmanager: attempt timed out")
)

// TxRunner runs fn inside a database transaction. *bun.DB implements it.
type TxRunner interface {
	RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx bun.Tx) error) error
}

// TxFunc is a unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx bun.Tx) error

// Operation is a named step of ExecuteMultiple.
type Operation struct {
	Name string
	Fn   TxFunc
}

// Result describes a finished Execute call.
type Result struct {
	ID       string
	Name     string
	Success  bool
	Err      error
	Attempts int
	Duration time.Duration
	Kind     FailureKind
}

// TxError is returned by failed executions. Exhausted is set when the last
// failure was transient and the attempt budget ran out.
type TxError struct {
	Name      string
	Kind      FailureKind
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *TxError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("transaction %s failed after %d attempts (%s): %v", e.Name, e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("transaction %s failed (%s): %v", e.Name, e.Kind, e.Err)
}

func (e *TxError) Unwrap() []error {
	if e.Exhausted {
		return []error{e.Err, ErrRetriesExhausted}
	}
	return []error{e.Err}
}

// ActiveTx is an in-flight transaction.
type ActiveTx struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegisterer registers the transaction metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracerProvider = tp }
}

// Manager executes units of work with bounded retries on deadlocks and
// timeouts. Other errors fail on the first attempt.
type Manager struct {
	db             TxRunner
	cfg            Config
	logger         *zap.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *Metrics
	stats          *statsRecorder
	active         *xsync.MapOf[string, ActiveTx]
	random         func() float64
}

// NewManager validates cfg and creates a Manager over db.
func NewManager(db TxRunner, cfg Config, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("txmanager: db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("txmanager: invalid config: %w", err)
	}

	m := &Manager{
		db:     db,
		cfg:    cfg,
		logger: zap.NewNop(),
		stats:  &statsRecorder{},
		active: xsync.NewMapOf[string, ActiveTx](),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracerProvider == nil {
		m.tracerProvider = otel.GetTracerProvider()
	}
	m.tracer = m.tracerProvider.Tracer(tracerName)
	m.logger = m.logger.Named("txmanager")
	m.metrics = NewMetrics(m.registerer)
	return m, nil
}

// Config returns the default policy of the manager.
func (m *Manager) Config() Config {
	return m.cfg
}

// Execute runs fn in a transaction, retrying deadlocks and timeouts with
// exponential backoff. The returned Result is always non-nil. The error is
// a *TxError on failure.
func (m *Manager) Execute(ctx context.Context, fn TxFunc, opts ...ExecOption) (*Result, error) {
	cfg := m.cfg
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	start := time.Now()
	res := &Result{ID: id, Name: cfg.Name}

	if err := cfg.Validate(); err != nil {
		res.Err = fmt.Errorf("txmanager: invalid options: %w", err)
		res.Kind = FailureOther
		return res, &TxError{Name: cfg.Name, Kind: FailureOther, Err: res.Err}
	}

	ctx, span := m.tracer.Start(ctx, "tx "+cfg.Name, trace.WithAttributes(
		attribute.String("tx.id", id),
		attribute.String("tx.isolation", string(cfg.Isolation)),
		attribute.Int("tx.max_attempts", cfg.MaxRetries),
	))
	defer span.End()

	m.active.Store(id, ActiveTx{ID: id, Name: cfg.Name, Started: start})
	m.metrics.Active.Inc()
	defer func() {
		m.active.Delete(id)
		m.metrics.Active.Dec()
	}()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt
		err := m.attempt(ctx, cfg, fn)
		if err == nil {
			lastErr = nil
			res.Kind = FailureNone
			break
		}

		lastErr = err
		res.Kind = Classify(err)
		m.stats.failure(res.Kind)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("tx.attempt", attempt),
			attribute.String("tx.failure", res.Kind.String()),
		))

		if !res.Kind.Retryable() || ctx.Err() != nil || attempt == cfg.MaxRetries {
			break
		}

		delay := backoff(attempt, cfg.RetryDelay, cfg.MaxDelay, m.random)
		m.stats.retried()
		m.metrics.Retries.WithLabelValues(cfg.Name, res.Kind.String()).Inc()
		m.logger.Warn("transaction attempt failed, retrying",
			zap.String("tx", cfg.Name),
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.String("kind", res.Kind.String()),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			res.Kind = FailureOther
			break
		}
	}

	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("tx.attempts", res.Attempts))
	m.metrics.Duration.WithLabelValues(cfg.Name).Observe(res.Duration.Seconds())

	if lastErr == nil {
		res.Success = true
		m.stats.finish(true, res.Duration)
		m.metrics.Total.WithLabelValues(cfg.Name, "success").Inc()
		return res, nil
	}

	txErr := &TxError{
		Name:      cfg.Name,
		Kind:      res.Kind,
		Attempts:  res.Attempts,
		Exhausted: res.Kind.Retryable() && res.Attempts == cfg.MaxRetries,
		Err:       lastErr,
	}
	res.Err = txErr
	m.stats.finish(false, res.Duration)
	m.metrics.Total.WithLabelValues(cfg.Name, "failure").Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, txErr.Error())
	m.logger.Error("transaction failed",
		zap.String("tx", cfg.Name),
		zap.String("id", id),
		zap.Int("attempts", res.Attempts),
		zap.String("kind", res.Kind.String()),
		zap.Error(lastErr),
	)
	return res, txErr
}

// attempt races one transaction against the attempt timeout. When the
// timeout wins the transaction context is cancelled, but work that ignores
// it keeps running in the background.
func (m *Manager) attempt(ctx context.Context, cfg Config, fn TxFunc) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("txmanager: transaction panic: %v", r)
			}
		}()
		done <- m.db.RunInTx(attemptCtx, cfg.txOptions(), func(ctx context.Context, tx bun.Tx) error {
			return fn(ctx, tx)
		})
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteValue runs fn like Execute and returns the value it produced.
func ExecuteValue[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, tx bun.Tx) (T, error), opts ...ExecOption) (T, *Result, error) {
	var out T
	res, err := m.Execute(ctx, func(ctx context.Context, tx bun.Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, res, err
	}
	return out, res, nil
}

// ExecuteMultiple runs ops in order inside one retried transaction and stops
// at the first failing operation.
func (m *Manager) ExecuteMultiple(ctx context.Context, ops []Operation, opts ...ExecOption) (*Result, error) {
	return m.Execute(ctx, func(ctx context.Context, tx bun.Tx) error {
		for _, op := range ops {
			if err := op.Fn(ctx, tx); err != nil {
				return fmt.Errorf("operation %q: %w", op.Name, err)
			}
		}
		return nil
	}, opts...)
}

// ExecuteBatch runs fns concurrently inside one retried transaction. The
// driver serialises statements on the shared transaction.
func (m *Manager) ExecuteBatch(ctx context.Context, fns []TxFunc, opts ...ExecOption) (*Result, error) {
	return m.Execute(ctx, func(ctx context.Context, tx bun.Tx) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, fn := range fns {
			g.Go(func() error { return fn(gctx, tx) })
		}
		return g.Wait()
	}, opts...)
}

// ActiveTransactions lists in-flight transactions, oldest first.
func (m *Manager) ActiveTransactions() []ActiveTx {
	var out []ActiveTx
	m.active.Range(func(_ string, tx ActiveTx) bool {
		out = append(out, tx)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// CancelLongRunning drops the bookkeeping of transactions older than
// threshold and returns how many were dropped. The underlying database
// work is not interrupted.
func (m *Manager) CancelLongRunning(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)
	dropped := 0
	m.active.Range(func(id string, tx ActiveTx) bool {
		if tx.Started.Before(cutoff) {
			if _, ok := m.active.LoadAndDelete(id); ok {
				dropped++
				m.logger.Warn("dropping long running transaction",
					zap.String("tx", tx.Name),
					zap.String("id", id),
					zap.Duration("age", time.Since(tx.Started)),
				)
			}
		}
		return true
	})
	return dropped
}

// Stats returns a snapshot of the transaction counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// ResetStats zeroes the counters.
func (m *Manager) ResetStats() {
	m.stats.reset()
}
