package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("standard", "success", time.Second)
	m.CacheHit()
	m.CacheMiss()
	m.CacheEvicted(3)
	m.AddCost("events", 1)
	m.RateLimitWait("token")
	m.ObserveAcquire(time.Millisecond)
	m.SetInFlight(2)
	m.ItemDone("classification", "success")
	m.CapabilityFallback()
}

func TestCollectorsRecord(t *testing.T) {
	m := New(nil)

	m.ObserveQuery("standard", "success", 2*time.Second)
	m.ObserveQuery("standard", "success", time.Second)
	m.ObserveQuery("async", "failed", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues("standard", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues("async", "failed")))

	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))

	m.CacheEvicted(2)
	m.CacheEvicted(0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheEvictions))

	m.AddCost("logs", 0.5)
	m.AddCost("logs", -1)
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.costTotal.WithLabelValues("logs")), 1e-9)

	m.SetInFlight(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.inFlight))

	m.RateLimitWait("slot")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitWaits.WithLabelValues("slot")))

	m.ItemDone("sampling", "failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsTotal.WithLabelValues("sampling", "failed")))

	m.CapabilityFallback()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capabilityFallback))
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheHit()

	count, err := testutil.GatherAndCount(reg, "nrdiscovery_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Panics(t, func() { New(reg) }, "registering twice must fail")
}
