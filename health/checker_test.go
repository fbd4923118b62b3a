package health

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-cache-resilience/pkg/testsupport"
)

func newChecker(t *testing.T, db DB, opts ...Option) *Checker {
	t.Helper()
	c, err := NewChecker(db, DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxSamples = 0
	if cfg.Validate() == nil {
		t.Error("expected error for zero MaxSamples")
	}

	cfg = DefaultConfig()
	cfg.Thresholds.PoolDegradedRatio = 1.5
	if cfg.Validate() == nil {
		t.Error("expected error for pool ratio above 1")
	}
}

func TestCheck_HealthyDatabase(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	testsupport.ExecSchema(t, db,
		`CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY)`,
		`INSERT INTO products (name) VALUES ('amp'), ('cable'), ('pedal')`,
	)

	reg := prometheus.NewRegistry()
	c := newChecker(t, db.DB, WithTableStats(BunTableStats(db)), WithRegisterer(reg))

	report := c.Check(context.Background())
	if report.Status != StatusHealthy || !report.Connected || report.Err != nil {
		t.Fatalf("expected a healthy connected report, got %+v", report)
	}
	if report.Performance.Samples != 1 {
		t.Errorf("ping latency should be sampled once, got %d samples", report.Performance.Samples)
	}
	if report.Tables.Count != 2 || report.Tables.TotalRows != 3 {
		t.Errorf("unexpected table metrics %+v", report.Tables)
	}
	if report.Pool.Health != StatusHealthy {
		t.Errorf("expected healthy pool, got %s", report.Pool.Health)
	}
	if last := c.Last(); !reflect.DeepEqual(last, report) {
		t.Errorf("Last() should return the latest report, got %+v", last)
	}
}

func TestCheck_PingFailureSkipsGathering(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	if err := db.DB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var tableCalls atomic.Int32
	c := newChecker(t, db.DB, WithTableStats(func(context.Context) ([]TableStat, error) {
		tableCalls.Add(1)
		return nil, nil
	}))

	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy || report.Connected {
		t.Errorf("expected unhealthy disconnected report, got %s connected=%v", report.Status, report.Connected)
	}
	if !errors.Is(report.Err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", report.Err)
	}
	if report.Error == "" {
		t.Error("expected an error message")
	}
	if n := tableCalls.Load(); n != 0 {
		t.Errorf("table stats should not run, ran %d times", n)
	}
	if report.Performance != (PerformanceMetrics{}) {
		t.Errorf("expected zero performance metrics, got %+v", report.Performance)
	}
}

func TestCheck_TableFailureIsIsolated(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	c := newChecker(t, db.DB, WithTableStats(func(context.Context) ([]TableStat, error) {
		return nil, errors.New("permission denied")
	}))

	report := c.Check(context.Background())
	if !report.Connected || report.Status != StatusHealthy {
		t.Errorf("table failure should not affect status, got %s connected=%v", report.Status, report.Connected)
	}
	if !reflect.DeepEqual(report.Tables, TableMetrics{}) {
		t.Errorf("expected zero table metrics, got %+v", report.Tables)
	}
}

func TestCheck_SlowQueriesAndErrorsAffectStatus(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	c := newChecker(t, db.DB)

	for i := 0; i < 11; i++ {
		c.RecordQuery("SELECT * FROM products", 2*time.Second)
	}
	report := c.Check(context.Background())
	if report.SlowQueries.Count != 11 || report.Status != StatusDegraded {
		t.Errorf("expected 11 slow queries and degraded, got %d %s", report.SlowQueries.Count, report.Status)
	}

	c.Reset()
	for i := 0; i < 11; i++ {
		c.RecordError(errors.New("dial tcp: connection refused"))
	}
	report = c.Check(context.Background())
	if report.Errors.Connection != 11 || report.Status != StatusUnhealthy {
		t.Errorf("expected 11 connection errors and unhealthy, got %d %s", report.Errors.Connection, report.Status)
	}
}

func TestCheck_WindowDropsOldEntries(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newChecker(t, db.DB, WithClock(func() time.Time { return now }))

	c.RecordQuery("SELECT old", 3*time.Second)
	c.RecordError(errors.New("deadlock detected"))
	now = now.Add(10 * time.Minute)
	c.RecordQuery("SELECT new", 3*time.Second)

	report := c.Check(context.Background())
	if report.SlowQueries.Count != 1 {
		t.Fatalf("expected 1 slow query in window, got %d", report.SlowQueries.Count)
	}
	if q := report.SlowQueries.Recent[0].Query; q != "SELECT new" {
		t.Errorf("expected the recent query, got %q", q)
	}
	if report.Errors.Total != 0 {
		t.Errorf("old error should fall out of the window, got %d", report.Errors.Total)
	}
}

func TestDetermineStatus(t *testing.T) {
	th := DefaultThresholds()
	healthy := Report{Connected: true, Pool: PoolMetrics{Health: StatusHealthy}}

	tests := []struct {
		name   string
		mutate func(*Report)
		want   Status
	}{
		{"healthy", func(*Report) {}, StatusHealthy},
		{"disconnected", func(r *Report) { r.Connected = false }, StatusUnhealthy},
		{"pool exhausted", func(r *Report) { r.Pool.Health = StatusUnhealthy }, StatusUnhealthy},
		{"connection errors", func(r *Report) { r.Errors.Connection = 11; r.Errors.Total = 11 }, StatusUnhealthy},
		{"many slow queries", func(r *Report) { r.SlowQueries.Count = 51 }, StatusUnhealthy},
		{"pool busy", func(r *Report) { r.Pool.Health = StatusDegraded }, StatusDegraded},
		{"some errors", func(r *Report) { r.Errors.Total = 6 }, StatusDegraded},
		{"p99 over ceiling", func(r *Report) { r.Performance.P99 = 2 * time.Second }, StatusDegraded},
		{"some slow queries", func(r *Report) { r.SlowQueries.Count = 11 }, StatusDegraded},
		{"at thresholds", func(r *Report) {
			r.Errors.Total = 5
			r.SlowQueries.Count = 10
			r.Performance.P99 = time.Second
		}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := healthy
			tt.mutate(&r)
			if got := DetermineStatus(r, th); got != tt.want {
				t.Errorf("DetermineStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

type statsDB struct {
	*sql.DB
	stats sql.DBStats
}

func (s statsDB) Stats() sql.DBStats { return s.stats }

func TestPoolMetrics(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)

	tests := []struct {
		name  string
		stats sql.DBStats
		want  Status
	}{
		{"unlimited", sql.DBStats{InUse: 50}, StatusHealthy},
		{"quiet", sql.DBStats{MaxOpenConnections: 10, InUse: 2}, StatusHealthy},
		{"busy", sql.DBStats{MaxOpenConnections: 10, InUse: 8}, StatusDegraded},
		{"exhausted", sql.DBStats{MaxOpenConnections: 10, InUse: 10}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChecker(t, statsDB{DB: db.DB, stats: tt.stats})
			if got := c.Check(context.Background()).Pool.Health; got != tt.want {
				t.Errorf("pool health = %s, want %s", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{driver.ErrBadConn, ErrorConnection},
		{fmt.Errorf("query: %w", sql.ErrConnDone), ErrorConnection},
		{errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), ErrorConnection},
		{errors.New("canceling statement due to statement timeout"), ErrorTimeout},
		{timeoutErr{}, ErrorTimeout},
		{errors.New("deadlock detected"), ErrorDeadlock},
		{errors.New("syntax error at or near SELEC"), ErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := newRing[int](3)
	if got := r.snapshot(); len(got) != 0 {
		t.Fatalf("new ring should be empty, got %v", got)
	}

	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	if got := r.snapshot(); !slices.Equal(got, []int{3, 4, 5}) {
		t.Errorf("expected [3 4 5], got %v", got)
	}
	if r.len() != 3 {
		t.Errorf("expected len 3, got %d", r.len())
	}

	r.reset()
	if r.len() != 0 {
		t.Errorf("expected empty ring after reset, got %d", r.len())
	}
}

func TestRecordQuery_BoundedBuffers(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	cfg := DefaultConfig()
	cfg.MaxSamples = 20
	cfg.MaxSlowQueries = 5
	c, err := NewChecker(db.DB, cfg)
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}

	for i := 1; i <= 100; i++ {
		c.RecordQuery("q", time.Duration(i)*100*time.Millisecond)
	}
	if c.samples.len() != 20 || c.slow.len() != 5 {
		t.Errorf("buffers should be bounded, got samples=%d slow=%d", c.samples.len(), c.slow.len())
	}
}

func TestSummarize(t *testing.T) {
	samples := make([]time.Duration, 0, 20)
	for i := 20; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	want := PerformanceMetrics{
		Samples: 20,
		Average: 10500 * time.Microsecond,
		P95:     19 * time.Millisecond,
		P99:     20 * time.Millisecond,
		Max:     20 * time.Millisecond,
	}
	if got := summarize(samples); got != want {
		t.Errorf("summarize() = %+v, want %+v", got, want)
	}
	if got := summarize(nil); got != (PerformanceMetrics{}) {
		t.Errorf("summarize(nil) = %+v, want zero", got)
	}
}

func TestQueryHook_RecordsQueries(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	cfg := DefaultConfig()
	cfg.SlowQueryThreshold = time.Hour
	c, err := NewChecker(db.DB, cfg)
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}
	db.AddQueryHook(c.QueryHook())

	testsupport.ExecSchema(t, db, `CREATE TABLE items (id INTEGER PRIMARY KEY)`)
	if _, err := db.NewRaw("SELECT * FROM missing_table").Exec(context.Background()); err == nil {
		t.Fatal("expected query on a missing table to fail")
	}

	if n := c.samples.len(); n != 2 {
		t.Errorf("expected 2 recorded samples, got %d", n)
	}
	if n := c.Check(context.Background()).Errors.Other; n != 1 {
		t.Errorf("expected 1 recorded error, got %d", n)
	}
}

func TestBunTableStats_QuotesTableNames(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	testsupport.ExecSchema(t, db,
		`CREATE TABLE "order" (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE "we""ird" (id INTEGER PRIMARY KEY)`,
		`INSERT INTO "we""ird" (id) VALUES (1), (2)`,
	)

	stats, err := BunTableStats(db)(context.Background())
	if err != nil {
		t.Fatalf("table stats error = %v", err)
	}
	want := []TableStat{{Name: "order", Rows: 0}, {Name: `we"ird`, Rows: 2}}
	if !slices.Equal(stats, want) {
		t.Errorf("expected %+v, got %+v", want, stats)
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := map[string]string{
		"products": `"products"`,
		`we"ird`:   `"we""ird"`,
		"":         `""`,
	}
	for in, want := range tests {
		if got := quoteIdent(in); got != want {
			t.Errorf("quoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStartContinuous(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	c := newChecker(t, db.DB)

	stop := c.StartContinuous(context.Background(), 5*time.Millisecond)
	again := c.StartContinuous(context.Background(), 5*time.Millisecond)
	if !c.Running() {
		t.Fatal("expected checker to be running")
	}

	waitFor(t, func() bool { return !c.Last().CheckedAt.IsZero() })

	stop()
	again()
	c.StopContinuous()
	if c.Running() {
		t.Error("expected checker to be stopped")
	}
}

func TestStartContinuous_ContextEndClearsState(t *testing.T) {
	db := testsupport.NewSQLiteDB(t)
	c := newChecker(t, db.DB)

	ctx, cancel := context.WithCancel(context.Background())
	c.StartContinuous(ctx, 5*time.Millisecond)
	cancel()
	waitFor(t, func() bool { return !c.Running() })

	c.StartContinuous(context.Background(), 5*time.Millisecond)
	defer c.StopContinuous()
	if !c.Running() {
		t.Fatal("restart after context end should run again")
	}
	before := c.Last().CheckedAt
	waitFor(t, func() bool { return c.Last().CheckedAt.After(before) })
}
