package querycore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TierStats are the counters one cache tier reports
type TierStats struct {
	Tier         string  `json:"tier"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expired      int64   `json:"expired"`
	Errors       int64   `json:"errors,omitempty"`
	SizeBytes    int64   `json:"size_bytes"`
	Entries      int     `json:"entries"`
	HitRate      float64 `json:"hit_rate"`
	LatencyP50MS float64 `json:"latency_p50_ms"`
	LatencyP90MS float64 `json:"latency_p90_ms"`
	LatencyP95MS float64 `json:"latency_p95_ms"`
	LatencyP99MS float64 `json:"latency_p99_ms"`
}

// CacheStats aggregates the per-tier counters
type CacheStats struct {
	Tiers      []TierStats `json:"tiers"`
	Promotions int64       `json:"promotions"`
}

// latencyRing keeps a bounded window of recent probe latencies per tier
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

const latencyRingSize = 1024

func (r *latencyRing) add(d time.Duration) {
	if r.samples == nil {
		r.samples = make([]time.Duration, latencyRingSize)
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// percentileMS returns the p-th percentile of the window in milliseconds
func (r *latencyRing) percentileMS(p float64) float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p / 100 * float64(n-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}

// MultiTierCache layers the in-process L1 cache over optional Redis (L2)
// and disk (L3) tiers. Reads probe L1 then L2 then L3; a hit at a slower
// tier is promoted toward L1 so repeated reads get faster. L2 failures are
// treated as misses so a Redis outage degrades throughput, never
// correctness.
type MultiTierCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	l3      *DiskCache
	logger  Logger
	metrics Metrics

	defaultTTL time.Duration

	mu         sync.Mutex
	latencies  map[string]*latencyRing
	promotions int64
	closed     bool

	promoteWG sync.WaitGroup
}

// CacheOption configures a MultiTierCache
type CacheOption func(*MultiTierCache) error

// WithL2 attaches a Redis client as the L2 tier
func WithL2(client *redis.Client) CacheOption {
	return func(c *MultiTierCache) error {
		c.l2 = NewRedisCache(client, c.logger, c.metrics)
		return nil
	}
}

// WithL2Cache attaches an already-configured L2 tier
func WithL2Cache(l2 *RedisCache) CacheOption {
	return func(c *MultiTierCache) error {
		c.l2 = l2
		return nil
	}
}

// WithL3 attaches a disk cache rooted at dir as the L3 tier
func WithL3(dir string) CacheOption {
	return func(c *MultiTierCache) error {
		l3, err := NewDiskCache(dir, c.logger, c.metrics)
		if err != nil {
			return err
		}
		c.l3 = l3
		return nil
	}
}

// WithL3Cache attaches an already-opened L3 tier
func WithL3Cache(l3 *DiskCache) CacheOption {
	return func(c *MultiTierCache) error {
		c.l3 = l3
		return nil
	}
}

// WithCacheLogger sets the cache logger. Must appear before tier options so
// the tiers inherit it.
func WithCacheLogger(logger Logger) CacheOption {
	return func(c *MultiTierCache) error {
		c.logger = logger
		return nil
	}
}

// WithCacheMetrics sets the cache metrics sink
func WithCacheMetrics(metrics Metrics) CacheOption {
	return func(c *MultiTierCache) error {
		c.metrics = metrics
		return nil
	}
}

// WithDefaultTTL sets the TTL used when Set is called with a zero TTL
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *MultiTierCache) error {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
		return nil
	}
}

// NewMultiTierCache builds a cache over the given L1 tier. L2 and L3 are
// attached through options and are both optional.
func NewMultiTierCache(l1 *MemoryCache, opts ...CacheOption) (*MultiTierCache, error) {
	if l1 == nil {
		l1 = NewMemoryCache(0, PolicyLRU, nil)
	}
	c := &MultiTierCache{
		l1:         l1,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
		defaultTTL: DefaultCacheTTL,
		latencies:  make(map[string]*latencyRing),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get probes the tiers fastest first and returns the value, the name of the
// tier that served it, and whether anything was found. Hits below L1 are
// promoted: L1 synchronously, L2 in the background.
func (c *MultiTierCache) Get(ctx context.Context, key string) ([]byte, string, bool) {
	if c.isClosed() {
		return nil, "", false
	}

	start := time.Now()
	if value, ok := c.l1.Get(key); ok {
		c.observe("l1", time.Since(start), true)
		return value, "l1", true
	}
	c.observe("l1", time.Since(start), false)

	if c.l2 != nil {
		start = time.Now()
		value, err := c.l2.Get(ctx, key)
		if err == nil {
			c.observe("l2", time.Since(start), true)
			c.promoteToL1(key, value)
			return value, "l2", true
		}
		c.observe("l2", time.Since(start), false)
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug("l2 read failed, treating as miss", "error", err.Error())
		}
	}

	if c.l3 != nil {
		start = time.Now()
		value, err := c.l3.Get(key)
		if err == nil {
			c.observe("l3", time.Since(start), true)
			c.promoteToL1(key, value)
			c.promoteToL2(key, value)
			return value, "l3", true
		}
		c.observe("l3", time.Since(start), false)
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug("l3 read failed, treating as miss", "error", err.Error())
		}
	}

	return nil, "", false
}

// promoteToL1 copies a slower-tier hit into L1. In-process, so synchronous:
// the very next Get for this key hits L1.
func (c *MultiTierCache) promoteToL1(key string, value []byte) {
	c.l1.Set(key, value, c.defaultTTL)
	c.countPromotion()
}

// promoteToL2 copies an L3 hit into Redis off the request path
func (c *MultiTierCache) promoteToL2(key string, value []byte) {
	if c.l2 == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.promoteWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.promoteWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.l2.Set(ctx, key, value, c.defaultTTL); err != nil {
			c.logger.Debug("l2 promotion failed", "error", err.Error())
			return
		}
		c.countPromotion()
	}()
}

func (c *MultiTierCache) countPromotion() {
	c.mu.Lock()
	c.promotions++
	c.mu.Unlock()
	c.metrics.Increment(MetricCachePromotions)
}

// Set writes through every attached tier. L2 and L3 errors are logged, not
// returned: losing a cache write never fails a query.
func (c *MultiTierCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) {
	if c.isClosed() {
		c.logger.Debug("cache write dropped", "error", ErrCacheClosed.Error())
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.l1.Set(key, value, ttl, tags...)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl, tags...); err != nil {
			c.logger.Debug("l2 write failed", "error", err.Error())
		}
	}
	if c.l3 != nil {
		if err := c.l3.Set(key, value, ttl, tags...); err != nil {
			c.logger.Warn("l3 write failed", "error", err.Error())
		}
	}
}

// Delete removes a key from every tier
func (c *MultiTierCache) Delete(ctx context.Context, key string) {
	c.l1.Delete(key)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Debug("l2 delete failed", "error", err.Error())
		}
	}
	if c.l3 != nil {
		if err := c.l3.Delete(key); err != nil {
			c.logger.Debug("l3 delete failed", "error", err.Error())
		}
	}
}

// InvalidatePattern removes entries whose key contains the substring across
// every tier. Returns the largest per-tier removal count.
func (c *MultiTierCache) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := c.l1.InvalidatePattern(pattern)
	if c.l2 != nil {
		if n, err := c.l2.InvalidatePattern(ctx, pattern); err == nil && n > removed {
			removed = n
		}
	}
	if c.l3 != nil {
		if n, err := c.l3.InvalidatePattern(pattern); err == nil && n > removed {
			removed = n
		}
	}
	return removed
}

// InvalidateTags removes entries carrying any of the tags across every tier
func (c *MultiTierCache) InvalidateTags(ctx context.Context, tags []string) int {
	removed := c.l1.InvalidateTags(tags)
	if c.l2 != nil {
		if n, err := c.l2.InvalidateTags(ctx, tags); err == nil && n > removed {
			removed = n
		}
	}
	if c.l3 != nil {
		if n, err := c.l3.InvalidateTags(tags); err == nil && n > removed {
			removed = n
		}
	}
	return removed
}

// Clear empties every tier
func (c *MultiTierCache) Clear(ctx context.Context) {
	c.l1.Clear()
	if c.l2 != nil {
		if err := c.l2.Clear(ctx); err != nil {
			c.logger.Warn("l2 clear failed", "error", err.Error())
		}
	}
	if c.l3 != nil {
		if err := c.l3.Clear(); err != nil {
			c.logger.Warn("l3 clear failed", "error", err.Error())
		}
	}
}

// observe records one probe outcome
func (c *MultiTierCache) observe(tier string, d time.Duration, hit bool) {
	c.mu.Lock()
	ring, ok := c.latencies[tier]
	if !ok {
		ring = &latencyRing{}
		c.latencies[tier] = ring
	}
	ring.add(d)
	c.mu.Unlock()

	if hit {
		c.metrics.Increment(MetricCacheHits, "tier", tier)
	} else {
		c.metrics.Increment(MetricCacheMisses, "tier", tier)
	}
	c.metrics.Timing(MetricCacheLatency, d, "tier", tier)
}

// Stats reports counters and latency percentiles for every attached tier
func (c *MultiTierCache) Stats() CacheStats {
	tiers := []TierStats{c.l1.Stats()}
	if c.l2 != nil {
		tiers = append(tiers, c.l2.Stats())
	}
	if c.l3 != nil {
		tiers = append(tiers, c.l3.Stats())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range tiers {
		total := tiers[i].Hits + tiers[i].Misses
		if total > 0 {
			tiers[i].HitRate = float64(tiers[i].Hits) / float64(total)
		}
		if ring, ok := c.latencies[tiers[i].Tier]; ok {
			tiers[i].LatencyP50MS = ring.percentileMS(50)
			tiers[i].LatencyP90MS = ring.percentileMS(90)
			tiers[i].LatencyP95MS = ring.percentileMS(95)
			tiers[i].LatencyP99MS = ring.percentileMS(99)
		}
	}
	return CacheStats{Tiers: tiers, Promotions: c.promotions}
}

func (c *MultiTierCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close waits for in-flight promotions and flushes the L3 index. Reads after
// Close miss, writes are dropped, and a second Close reports ErrCacheClosed.
func (c *MultiTierCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.promoteWG.Wait()
	if c.l3 != nil {
		return c.l3.Flush()
	}
	return nil
}
