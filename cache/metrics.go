package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Manager.
type Metrics struct {
	Hits       *prometheus.CounterVec
	Misses     prometheus.Counter
	Operations *prometheus.CounterVec
	TierErrors *prometheus.CounterVec
	EntrySize  prometheus.Histogram
}

// NewMetrics creates the cache collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Cache hits by tier",
	}, []string{"tier"})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Lookups that missed every tier",
	})

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_operations_total",
		Help: "Cache operations by name and result",
	}, []string{"op", "result"})

	tierErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_tier_errors_total",
		Help: "Tier failures absorbed by the manager",
	}, []string{"tier", "op"})

	entrySize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_entry_size_bytes",
		Help:    "Encoded size of written entries",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	if reg != nil {
		reg.MustRegister(hits, misses, operations, tierErrors, entrySize)
	}

	return &Metrics{
		Hits:       hits,
		Misses:     misses,
		Operations: operations,
		TierErrors: tierErrors,
		EntrySize:  entrySize,
	}
}
