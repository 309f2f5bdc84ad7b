// Package metrics exposes the Cache Index and Ephemeral Lifecycle
// Controller's counters and gauges on the default Prometheus registry,
// grounded on cuemby-warren's pkg/metrics: package-level collectors
// registered once in init, populated by the components that own the
// numbers. Nothing here serves an HTTP /metrics endpoint — wiring a
// promhttp handler into a server process is the out-of-scope web API's
// job (spec.md's Non-goals); the core only populates the registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pvm_cache_hits_total",
			Help: "Total number of Cache Index lookups that found a matching entry.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pvm_cache_misses_total",
			Help: "Total number of Cache Index lookups that found no entry.",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvm_cache_evictions_total",
			Help: "Total number of Cache Index entries removed by eviction, by reason.",
		},
		[]string{"reason"}, // "age" or "quota"
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvm_cache_bytes",
			Help: "Current total size of artifacts held in the Cache Index's store.",
		},
	)

	CacheIntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pvm_cache_integrity_failures_total",
			Help: "Total number of cached artifacts that failed hash verification.",
		},
	)

	EphemeralActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvm_ephemeral_environments_active",
			Help: "Number of ephemeral environments currently ready or active.",
		},
	)

	EphemeralCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvm_ephemeral_create_duration_seconds",
			Help:    "Time taken to provision an ephemeral environment.",
			Buckets: prometheus.DefBuckets,
		},
	)

	EphemeralSampleCPUPercent = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvm_ephemeral_sample_cpu_percent",
			Help:    "Distribution of CPU percent readings sampled from ephemeral environments.",
			Buckets: []float64{5, 10, 25, 50, 75, 90, 100},
		},
	)

	EphemeralSampleMemoryMB = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvm_ephemeral_sample_memory_mb",
			Help:    "Distribution of memory-MB readings sampled from ephemeral environments.",
			Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096},
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheBytes,
		CacheIntegrityFailuresTotal,
		EphemeralActive,
		EphemeralCreateDuration,
		EphemeralSampleCPUPercent,
		EphemeralSampleMemoryMB,
	)
}

// Timer measures an operation's duration for later recording against a
// histogram, mirroring cuemby-warren's metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
