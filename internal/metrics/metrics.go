// Package metrics exposes Prometheus collectors for the discovery engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nrdiscovery"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	queriesTotal       *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	costTotal          *prometheus.CounterVec
	rateLimitWaits     *prometheus.CounterVec
	rateLimitWaitTime  prometheus.Histogram
	inFlight           prometheus.Gauge
	itemsTotal         *prometheus.CounterVec
	capabilityFallback prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "queries_total",
			Help:      "Executed queries by execution path and outcome",
		}, []string{"path", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "query_duration_seconds",
			Help:      "Wall time of routed queries by execution path",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"path"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by result (hit, miss)",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Result cache entries evicted for capacity or age",
		}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cost",
			Name:      "realized_total",
			Help:      "Realized query cost by category",
		}, []string{"category"}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Times an acquire had to wait, by reason (token, slot)",
		}, []string{"reason"}),
		rateLimitWaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a token and slot",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "in_flight",
			Help:      "Queries currently holding a concurrency slot",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "items_total",
			Help:      "Discovery work items by phase and outcome",
		}, []string{"phase", "outcome"}),
		capabilityFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "fallbacks_total",
			Help:      "Capability probes that failed and fell back to conservative limits",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.queriesTotal,
			m.queryDuration,
			m.cacheLookups,
			m.cacheEvictions,
			m.costTotal,
			m.rateLimitWaits,
			m.rateLimitWaitTime,
			m.inFlight,
			m.itemsTotal,
			m.capabilityFallback,
		)
	}
	return m
}

// ObserveQuery records one routed query.
func (m *Metrics) ObserveQuery(path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(path, outcome).Inc()
	m.queryDuration.WithLabelValues(path).Observe(d.Seconds())
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheEvicted records n evictions.
func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

// AddCost records realized cost for a category.
func (m *Metrics) AddCost(category string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.costTotal.WithLabelValues(category).Add(amount)
}

// RateLimitWait records that an acquire waited for reason.
func (m *Metrics) RateLimitWait(reason string) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(reason).Inc()
}

// ObserveAcquire records the total time an acquire took.
func (m *Metrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWaitTime.Observe(d.Seconds())
}

// SetInFlight sets the in-flight gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// ItemDone records a finished discovery work item.
func (m *Metrics) ItemDone(phase, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(phase, outcome).Inc()
}

// CapabilityFallback records a failed capability probe.
func (m *Metrics) CapabilityFallback() {
	if m == nil {
		return
	}
	m.capabilityFallback.Inc()
}
