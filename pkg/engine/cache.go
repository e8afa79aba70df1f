package engine

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/calterras/vizgraph/pkg/metrics"
)

// Cache stores computed or fetched graph slices keyed by string, bounded both
// by TTL and by capacity. Expiry is lazy: an entry past its TTL (or tagged
// with a stale graph version) is treated as absent on read and evicted then,
// without a background sweep. Capacity overflow evicts the oldest insertion
// first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   btree.Map[uint64, string] // insertion counter -> key
	nextSeq uint64

	ttl     time.Duration
	maxSize int

	// latestVersion gates versioned entries: a tagged entry is visible only
	// while its tag equals this value.
	latestVersion uint64

	hits, misses uint64

	// now is swappable for tests.
	now func() time.Time
}

type cacheEntry struct {
	value      any
	insertedAt time.Time
	orderKey   uint64
	version    uint64
	versioned  bool
}

// NewCache creates a cache with the given TTL and capacity. A zero maxSize
// means unbounded capacity; a zero ttl means entries never age out.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the live value for key, if present and fresh.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.liveEntry(key)
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	c.hits++
	metrics.CacheHits.Inc()
	return e.value, true
}

// GetOrLoad returns the live value for key, or invokes load, stores its
// result, and returns it. A cache miss is not an error; load errors are
// passed through without storing anything.
func (c *Cache) GetOrLoad(key string, load func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.Set(key, v)
	return v, nil
}

// Set stores an unversioned entry.
func (c *Cache) Set(key string, value any) {
	c.set(key, value, 0, false)
}

// SetVersioned stores an entry tagged with a graph version. The entry is
// visible only while that version is the latest known one.
func (c *Cache) SetVersioned(key string, value any, version uint64) {
	c.set(key, value, version, true)
}

func (c *Cache) set(key string, value any, version uint64, versioned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.order.Delete(old.orderKey)
	}
	c.nextSeq++
	c.entries[key] = &cacheEntry{
		value:      value,
		insertedAt: c.now(),
		orderKey:   c.nextSeq,
		version:    version,
		versioned:  versioned,
	}
	c.order.Set(c.nextSeq, key)

	for c.maxSize > 0 && len(c.entries) > c.maxSize {
		ok, victim, found := c.order.Min()
		if !found {
			break
		}
		c.order.Delete(ok)
		delete(c.entries, victim)
	}
}

// SetLatestVersion records the latest known graph version, invalidating every
// versioned entry with an older tag on subsequent reads.
func (c *Cache) SetLatestVersion(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestVersion = v
}

// Invalidate drops the given keys.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			c.order.Delete(e.orderKey)
			delete(c.entries, k)
		}
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = btree.Map[uint64, string]{}
	c.nextSeq = 0
}

// Len reports the number of physically stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRate reports the fraction of reads served from the cache.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// liveEntry returns the entry for key if it is fresh, evicting it otherwise.
// Caller holds the mutex.
func (c *Cache) liveEntry(key string) (*cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	expired := c.ttl > 0 && c.now().Sub(e.insertedAt) >= c.ttl
	stale := e.versioned && e.version != c.latestVersion
	if expired || stale {
		c.order.Delete(e.orderKey)
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}
