package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoreMetrics holds all Prometheus metrics for the database access core.
type CoreMetrics struct {
	QueryDuration       *prometheus.HistogramVec
	QueryRetriesTotal   prometheus.Counter
	RepairsTotal        *prometheus.CounterVec
	TenantPoolsActive   prometheus.Gauge
	SettingsCacheHits   prometheus.Counter
	SettingsCacheMisses prometheus.Counter
	MaintenanceRejected prometheus.Counter
}

// NewCoreMetrics initializes and registers the Prometheus metrics.
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agencycore",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of query executions by mode and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "status"}), // mode: pool, tx; status: ok, error
		QueryRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "agencycore",
			Subsystem: "db",
			Name:      "query_retries_total",
			Help:      "Total number of transient-failure retries.",
		}),
		RepairsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agencycore",
			Subsystem: "schema",
			Name:      "repairs_total",
			Help:      "Total number of schema repair cycles by kind.",
		}, []string{"kind"}), // kind: database, fragment, full, throttled
		TenantPoolsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "agencycore",
			Subsystem: "db",
			Name:      "tenant_pools_active",
			Help:      "Number of live tenant connection pools in this process.",
		}),
		SettingsCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "agencycore",
			Subsystem: "settings",
			Name:      "cache_hits_total",
			Help:      "Total number of settings cache hits.",
		}),
		SettingsCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "agencycore",
			Subsystem: "settings",
			Name:      "cache_misses_total",
			Help:      "Total number of settings cache misses.",
		}),
		MaintenanceRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "agencycore",
			Subsystem: "gate",
			Name:      "maintenance_rejected_total",
			Help:      "Total number of requests rejected by the maintenance gate.",
		}),
	}
}
