package health

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors of a Checker.
type Metrics struct {
	Checks        *prometheus.CounterVec
	CheckDuration prometheus.Histogram
	Status        prometheus.Gauge
	SlowQueries   prometheus.Counter
	Errors        *prometheus.CounterVec
}

// NewMetrics creates the health collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_health_checks_total",
			Help: "Health checks by resulting status",
		}, []string{"status"}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "db_health_check_duration_seconds",
			Help:    "Duration of a full health check",
			Buckets: prometheus.DefBuckets,
		}),
		Status: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_health_status",
			Help: "Last health status: 0 healthy, 1 degraded, 2 unhealthy",
		}),
		SlowQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the slow query threshold",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Recorded database errors by kind",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.Checks, m.CheckDuration, m.Status, m.SlowQueries, m.Errors)
	}
	return m
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
