// Package cache provides the strict-LRU result cache with time-to-live
// expiry used by the query router.
package cache

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

const (
	// DefaultCapacity is used when the configured capacity is not positive.
	DefaultCapacity = 1000
	// DefaultTTL is used when the configured TTL is zero.
	DefaultTTL = time.Hour
)

// Entry is one cached result.
type Entry struct {
	Key        string
	Result     *query.Result
	InsertedAt time.Time
	LastAccess time.Time
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

// Cache maps verbatim query text to results. Iteration order of the
// underlying map is recency order, least recently used first.
type Cache struct {
	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[string, *Entry]
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats
	metrics  *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache holding at most capacity entries for ttl each.
func New(capacity int, ttl time.Duration, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries:  orderedmap.NewOrderedMap[string, *Entry](),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached result marked Cached. Expired entries are
// removed and count as misses. A hit makes the entry most recently used.
func (c *Cache) Get(key string) (*query.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.stats.Misses++
		c.metrics.CacheMiss()
		return nil, false
	}

	now := c.now()
	if c.expired(entry, now) {
		c.entries.Delete(key)
		c.stats.Expired++
		c.stats.Misses++
		c.metrics.CacheMiss()
		c.metrics.CacheEvicted(1)
		return nil, false
	}

	entry.LastAccess = now
	c.touch(key, entry)
	c.stats.Hits++
	c.metrics.CacheHit()

	out := *entry.Result
	out.Cached = true
	return &out, true
}

// Put inserts or replaces the entry for key and evicts least recently used
// entries beyond capacity. Concurrent puts for one key keep the last write.
func (c *Cache) Put(key string, result *query.Result) {
	if result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stored := *result
	stored.Cached = false
	entry := &Entry{Key: key, Result: &stored, InsertedAt: now, LastAccess: now}
	c.touch(key, entry)

	evicted := 0
	for c.entries.Len() > c.capacity {
		oldest := c.entries.Front()
		if oldest == nil {
			break
		}
		c.entries.Delete(oldest.Key)
		evicted++
	}
	c.stats.Evictions += int64(evicted)
	c.metrics.CacheEvicted(evicted)
}

// Peek returns the entry for key without touching recency or counters.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Keys returns the cached keys, least recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.entries.Len())
	for el := c.entries.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}
	return keys
}

// Len returns the number of entries, including expired ones not yet visited.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// touch moves key to the most recently used position.
func (c *Cache) touch(key string, entry *Entry) {
	c.entries.Delete(key)
	c.entries.Set(key, entry)
}

func (c *Cache) expired(entry *Entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.InsertedAt) >= c.ttl
}
