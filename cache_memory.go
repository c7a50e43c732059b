package querycore

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// EvictionPolicy selects how the in-process cache picks eviction victims
type EvictionPolicy string

const (
	PolicyLRU EvictionPolicy = "lru"
	PolicyLFU EvictionPolicy = "lfu"
)

// memoryEntry is one L1 cache entry with its bookkeeping
type memoryEntry struct {
	key         string
	value       []byte
	size        int64
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	ttl         time.Duration
	tags        []string
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// MemoryCache is the byte-bounded in-process L1 tier. A single mutex guards
// the map and the recency list; every operation touches O(1) entries except
// LFU eviction, which scans for the coldest entry.
//
// Invariant: the sum of entry sizes never exceeds the capacity.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	policy   EvictionPolicy
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	metrics Metrics
}

// NewMemoryCache creates an L1 cache bounded to capacityBytes
func NewMemoryCache(capacityBytes int64, policy EvictionPolicy, metrics Metrics) *MemoryCache {
	if capacityBytes <= 0 {
		capacityBytes = int64(DefaultMemoryLimitMB) << 20
	}
	if policy != PolicyLFU {
		policy = PolicyLRU
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &MemoryCache{
		capacity: capacityBytes,
		policy:   policy,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		metrics:  metrics,
	}
}

// Get returns the cached bytes for key, or false on miss. Expired entries
// are evicted lazily here.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		c.removeElement(elem)
		c.expired++
		c.misses++
		c.metrics.Increment(MetricCacheExpired, "tier", "l1")
		return nil, false
	}

	entry.accessedAt = time.Now()
	entry.accessCount++
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set inserts or replaces an entry, evicting until the new entry fits.
// Values larger than the whole capacity are rejected silently.
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration, tags ...string) {
	size := int64(len(value)) + int64(len(key))
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}

	for c.size+size > c.capacity {
		if !c.evictOne() {
			break
		}
	}

	entry := &memoryEntry{
		key:        key,
		value:      value,
		size:       size,
		createdAt:  time.Now(),
		accessedAt: time.Now(),
		ttl:        ttl,
		tags:       tags,
	}
	c.entries[key] = c.order.PushFront(entry)
	c.size += size
	c.metrics.Gauge(MetricCacheSizeBytes, float64(c.size))
}

// evictOne removes one victim according to the policy. Caller holds the lock.
func (c *MemoryCache) evictOne() bool {
	if c.order.Len() == 0 {
		return false
	}

	var victim *list.Element
	switch c.policy {
	case PolicyLFU:
		minCount := int64(-1)
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*memoryEntry)
			if minCount < 0 || entry.accessCount < minCount {
				minCount = entry.accessCount
				victim = elem
			}
		}
	default:
		victim = c.order.Back()
	}

	if victim == nil {
		return false
	}
	c.removeElement(victim)
	c.evictions++
	c.metrics.Increment(MetricCacheEvictions, "tier", "l1")
	return true
}

// removeElement unlinks an entry. Caller holds the lock.
func (c *MemoryCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= entry.size
}

// Delete removes a single key
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
}

// InvalidatePattern removes every entry whose key contains the substring.
// Returns the number of removed entries.
func (c *MemoryCache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if strings.Contains(key, pattern) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// InvalidateTags removes every entry carrying at least one of the tags
func (c *MemoryCache) InvalidateTags(tags []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}

	removed := 0
	for _, elem := range c.entries {
		entry := elem.Value.(*memoryEntry)
		for _, t := range entry.tags {
			if tagSet[t] {
				c.removeElement(elem)
				removed++
				break
			}
		}
	}
	return removed
}

// Clear drops every entry
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// SizeBytes returns the current total entry size
func (c *MemoryCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of live entries
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns this tier's counters
func (c *MemoryCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TierStats{
		Tier:      "l1",
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		SizeBytes: c.size,
		Entries:   len(c.entries),
	}
}
