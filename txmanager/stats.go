package txmanager

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of the transaction counters.
type Stats struct {
	Total           int64         `json:"total"`
	Successful      int64         `json:"successful"`
	Failed          int64         `json:"failed"`
	Retried         int64         `json:"retried"`
	Deadlocks       int64         `json:"deadlocks"`
	Timeouts        int64         `json:"timeouts"`
	AverageDuration time.Duration `json:"average_duration"`
}

type statsRecorder struct {
	mu      sync.Mutex
	stats   Stats
	elapsed time.Duration
}

func (r *statsRecorder) failure(kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case FailureDeadlock:
		r.stats.Deadlocks++
	case FailureTimeout:
		r.stats.Timeouts++
	}
}

func (r *statsRecorder) retried() {
	r.mu.Lock()
	r.stats.Retried++
	r.mu.Unlock()
}

func (r *statsRecorder) finish(success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Total++
	if success {
		r.stats.Successful++
	} else {
		r.stats.Failed++
	}
	r.elapsed += d
	r.stats.AverageDuration = r.elapsed / time.Duration(r.stats.Total)
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *statsRecorder) reset() {
	r.mu.Lock()
	r.stats = Stats{}
	r.elapsed = 0
	r.mu.Unlock()
}

// Metrics holds the Prometheus collectors of a Manager.
type Metrics struct {
	Total    *prometheus.CounterVec
	Retries  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Active   prometheus.Gauge
}

// NewMetrics creates the transaction collectors and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "db_transactions_total",
		Help: "Finished transactions by name and result",
	}, []string{"name", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "db_transaction_retries_total",
		Help: "Transaction retries by name and failure kind",
	}, []string{"name", "kind"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_transaction_duration_seconds",
		Help:    "Transaction duration including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_transactions_active",
		Help: "Transactions currently in flight",
	})

	if reg != nil {
		reg.MustRegister(total, retries, duration, active)
	}

	return &Metrics{
		Total:    total,
		Retries:  retries,
		Duration: duration,
		Active:   active,
	}
}
