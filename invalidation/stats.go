package invalidation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cause identifies what triggered an invalidation.
type Cause string

const (
	CauseTag        Cause = "tag"
	CausePattern    Cause = "pattern"
	CauseEvent      Cause = "event"
	CauseDependency Cause = "dependency"
)

// Stats is a snapshot of the invalidation counters. Every recorded
// invalidation moves Total and exactly one cause counter.
type Stats struct {
	Total           int64         `json:"total"`
	ByTag           int64         `json:"by_tag"`
	ByPattern       int64         `json:"by_pattern"`
	ByEvent         int64         `json:"by_event"`
	ByDependency    int64         `json:"by_dependency"`
	KeysRemoved     int64         `json:"keys_removed"`
	AverageDuration time.Duration `json:"average_duration"`
}

type recorder struct {
	mu      sync.Mutex
	stats   Stats
	elapsed time.Duration
	metrics *Metrics
}

func (r *recorder) record(cause Cause, keys int, d time.Duration) {
	r.mu.Lock()
	r.stats.Total++
	switch cause {
	case CauseTag:
		r.stats.ByTag++
	case CausePattern:
		r.stats.ByPattern++
	case CauseEvent:
		r.stats.ByEvent++
	case CauseDependency:
		r.stats.ByDependency++
	}
	r.stats.KeysRemoved += int64(keys)
	r.elapsed += d
	r.stats.AverageDuration = r.elapsed / time.Duration(r.stats.Total)
	r.mu.Unlock()

	r.metrics.Invalidations.WithLabelValues(string(cause)).Inc()
	r.metrics.KeysRemoved.Add(float64(keys))
	r.metrics.Duration.Observe(d.Seconds())
}

func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.stats = Stats{}
	r.elapsed = 0
	r.mu.Unlock()
}

// Metrics holds the Prometheus collectors of an Invalidator.
type Metrics struct {
	Invalidations *prometheus.CounterVec
	KeysRemoved   prometheus.Counter
	Duration      prometheus.Histogram
	WarmItems     *prometheus.CounterVec
}

// NewMetrics creates the invalidation collectors and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_invalidations_total",
		Help: "Invalidations by cause",
	}, []string{"cause"})

	keysRemoved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_invalidated_keys_total",
		Help: "Keys removed by invalidations",
	})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_invalidation_duration_seconds",
		Help:    "Time spent per invalidation",
		Buckets: prometheus.DefBuckets,
	})

	warmItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_warm_items_total",
		Help: "Warmed cache items by result",
	}, []string{"result"})

	if reg != nil {
		reg.MustRegister(invalidations, keysRemoved, duration, warmItems)
	}

	return &Metrics{
		Invalidations: invalidations,
		KeysRemoved:   keysRemoved,
		Duration:      duration,
		WarmItems:     warmItems,
	}
}
