package shelterbase

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viccon/sturdyc"
)

// noExpiry stands in for "keep until the next write" since the underlying
// store always expires entries eventually.
const noExpiry = 100 * 365 * 24 * time.Hour

// CacheConfig sizes the result cache.
type CacheConfig struct {
	Capacity           int
	Shards             int
	TTL                time.Duration // 0 keeps entries until invalidated
	EvictionPercentage int
}

// Validate checks if the CacheConfig is usable
func (c CacheConfig) Validate() error {
	if c.Capacity <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "Capacity", "value": c.Capacity, "reason": "must be positive",
		})
	}
	if c.TTL < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "TTL", "value": c.TTL, "reason": "must be non-negative",
		})
	}
	if c.EvictionPercentage < 0 || c.EvictionPercentage > 100 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "EvictionPercentage", "value": c.EvictionPercentage, "reason": "must be between 0 and 100",
		})
	}
	return nil
}

// DefaultCacheConfig returns the cache sizing used by Config defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:           DefaultCacheCapacity,
		Shards:             DefaultCacheShards,
		EvictionPercentage: 10,
	}
}

type cacheEntry struct {
	generation uint64
	docs       []Document
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Generation    uint64
	Entries       int
	Hits          uint64
	Misses        uint64
	Stale         uint64
	Dropped       uint64
	Invalidations uint64
}

// Cache maps canonical query keys to result sets stamped with the write
// generation current when the read began. An entry is served only while its
// stamp equals the current generation.
type Cache struct {
	mu         sync.RWMutex
	generation uint64
	client     *sturdyc.Client[cacheEntry]
	metrics    Metrics

	hits          atomic.Uint64
	misses        atomic.Uint64
	stale         atomic.Uint64
	dropped       atomic.Uint64
	invalidations atomic.Uint64
}

// NewCache creates an empty cache at generation 0.
func NewCache(cfg CacheConfig, metrics Metrics) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = DefaultCacheShards
	}
	if shards > cfg.Capacity {
		shards = cfg.Capacity
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = noExpiry
	}
	eviction := cfg.EvictionPercentage
	if eviction == 0 {
		eviction = 10
	}

	return &Cache{
		client:  sturdyc.New[cacheEntry](cfg.Capacity, shards, ttl, eviction),
		metrics: metrics,
	}, nil
}

// Generation returns the current write generation. Readers take it before
// going to the store and hand it back to Put.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Get returns a copy of the cached result for key if its stamp is current.
func (c *Cache) Get(key string) ([]Document, bool) {
	space := KeySpaceOf(key)

	c.mu.RLock()
	entry, ok := c.client.Get(key)
	current := c.generation
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		c.metrics.Increment(MetricCacheMisses, "keyspace", space)
		return nil, false
	}
	if entry.generation != current {
		c.client.Delete(key)
		c.stale.Add(1)
		c.misses.Add(1)
		c.metrics.Increment(MetricCacheStale, "keyspace", space)
		c.metrics.Increment(MetricCacheMisses, "keyspace", space)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.Increment(MetricCacheHits, "keyspace", space)
	return CloneDocuments(entry.docs), true
}

// Put stores docs under key stamped with generation. The result is dropped
// if a write has advanced the generation since the read began.
func (c *Cache) Put(key string, generation uint64, docs []Document) bool {
	stored := CloneDocuments(docs)
	if stored == nil {
		stored = []Document{}
	}

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		c.dropped.Add(1)
		c.metrics.Increment(MetricCacheDropped, "keyspace", KeySpaceOf(key))
		return false
	}
	c.client.Set(key, cacheEntry{generation: generation, docs: stored})
	c.mu.Unlock()

	c.metrics.Gauge(MetricCacheEntries, float64(c.client.Size()))
	return true
}

// InvalidateAll advances the generation, which makes every existing entry
// unservable, and purges the entries. It returns the new generation.
func (c *Cache) InvalidateAll() uint64 {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	for _, key := range c.client.ScanKeys() {
		c.client.Delete(key)
	}
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.metrics.Increment(MetricCacheInvalidations, "keyspace", "all")
	c.metrics.Gauge(MetricCacheGeneration, float64(gen))
	c.metrics.Gauge(MetricCacheEntries, 0)
	return gen
}

// Len returns the number of stored entries, current or not.
func (c *Cache) Len() int {
	return c.client.Size()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Generation:    c.Generation(),
		Entries:       c.client.Size(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Stale:         c.stale.Load(),
		Dropped:       c.dropped.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

func (s CacheStats) String() string {
	return "gen=" + strconv.FormatUint(s.Generation, 10) +
		" entries=" + strconv.Itoa(s.Entries) +
		" hits=" + strconv.FormatUint(s.Hits, 10) +
		" misses=" + strconv.FormatUint(s.Misses, 10)
}
