package querycore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "querycore:"
	redisTagPrefix = "querycore:tag:"

	// DefaultRedisTimeout bounds every L2 operation so a slow Redis never
	// stalls the query path
	DefaultRedisTimeout = 250 * time.Millisecond
)

// RedisCache is the optional L2 tier. All operations run under a short
// timeout and behind a circuit breaker; failures surface as ErrCacheIO and
// the caller treats them as misses.
type RedisCache struct {
	client  *redis.Client
	breaker *CircuitBreaker
	timeout time.Duration
	logger  Logger
	metrics Metrics

	mu      sync.Mutex
	hits    int64
	misses  int64
	errors  int64
	expired int64
}

// NewRedisCache wraps a redis client as an L2 cache tier
func NewRedisCache(client *redis.Client, logger Logger, metrics Metrics) *RedisCache {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	cache := &RedisCache{
		client:  client,
		breaker: NewCircuitBreaker(5, 30*time.Second),
		timeout: DefaultRedisTimeout,
		logger:  logger,
		metrics: metrics,
	}
	cache.breaker.WithStateChangeCallback(func(from, to string) {
		logger.Warn("cache circuit breaker state change", "tier", "l2", "from", from, "to", to)
	})
	return cache
}

// SetTimeout overrides the per-operation timeout
func (c *RedisCache) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Get fetches the cached bytes for key. A missing key returns ErrCacheMiss;
// timeouts and transport failures return ErrCacheIO.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var notFound bool
	err := c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		data, err := c.client.Get(opCtx, redisKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a healthy response, not a breaker failure
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		value = data
		return nil
	})

	if err != nil {
		c.count(&c.errors)
		c.metrics.Increment(MetricCacheErrors, "tier", "l2")
		return nil, WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l2",
			"op":     "get",
			"reason": err.Error(),
		})
	}
	if notFound {
		c.count(&c.misses)
		return nil, ErrCacheMiss
	}

	c.count(&c.hits)
	return value, nil
}

// Set stores bytes under key with a TTL and registers the key under each tag
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	err := c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		pipe := c.client.Pipeline()
		pipe.Set(opCtx, redisKeyPrefix+key, value, ttl)
		for _, tag := range tags {
			pipe.SAdd(opCtx, redisTagPrefix+tag, key)
			if ttl > 0 {
				pipe.Expire(opCtx, redisTagPrefix+tag, ttl)
			}
		}
		_, err := pipe.Exec(opCtx)
		return err
	})

	if err != nil {
		c.count(&c.errors)
		c.metrics.Increment(MetricCacheErrors, "tier", "l2")
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l2",
			"op":     "set",
			"reason": err.Error(),
		})
	}
	return nil
}

// Delete removes a single key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.client.Del(opCtx, redisKeyPrefix+key).Err()
	})
}

// InvalidatePattern removes every key containing the substring. Keys are
// discovered with SCAN so a large keyspace never blocks the server.
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	err := c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		iter := c.client.Scan(opCtx, 0, redisKeyPrefix+"*"+pattern+"*", 100).Iterator()
		for iter.Next(opCtx) {
			if err := c.client.Del(opCtx, iter.Val()).Err(); err != nil {
				return err
			}
			removed++
		}
		return iter.Err()
	})
	if err != nil {
		return removed, WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l2",
			"op":     "invalidate_pattern",
			"reason": err.Error(),
		})
	}
	return removed, nil
}

// InvalidateTags removes every key registered under any of the tags
func (c *RedisCache) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	removed := 0
	err := c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		for _, tag := range tags {
			keys, err := c.client.SMembers(opCtx, redisTagPrefix+tag).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := c.client.Del(opCtx, redisKeyPrefix+key).Err(); err != nil {
					return err
				}
				removed++
			}
			if err := c.client.Del(opCtx, redisTagPrefix+tag).Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return removed, WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l2",
			"op":     "invalidate_tags",
			"reason": err.Error(),
		})
	}
	return removed, nil
}

// Clear removes every key under the cache prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		iter := c.client.Scan(opCtx, 0, redisKeyPrefix+"*", 100).Iterator()
		for iter.Next(opCtx) {
			if err := c.client.Del(opCtx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		return iter.Err()
	})
}

// Ping verifies the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Ping(opCtx).Err()
}

func (c *RedisCache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Stats returns this tier's counters
func (c *RedisCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TierStats{
		Tier:    "l2",
		Hits:    c.hits,
		Misses:  c.misses,
		Errors:  c.errors,
		Expired: c.expired,
	}
}
