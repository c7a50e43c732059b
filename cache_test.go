package querycore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMultiTierCacheL1Roundtrip(t *testing.T) {
	cache, err := NewMultiTierCache(NewMemoryCache(1024, PolicyLRU, nil))
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	if _, _, ok := cache.Get(ctx, "missing"); ok {
		t.Error("Expected miss on empty cache")
	}

	cache.Set(ctx, "k", []byte("v"), time.Minute)
	value, tier, ok := cache.Get(ctx, "k")
	if !ok || tier != "l1" {
		t.Fatalf("Expected l1 hit, got tier=%q ok=%v", tier, ok)
	}
	if string(value) != "v" {
		t.Errorf("Expected v, got %q", value)
	}
}

func TestMultiTierCacheL2HitPromotesToL1(t *testing.T) {
	client := testRedisClient(t)
	cache, err := NewMultiTierCache(
		NewMemoryCache(1024, PolicyLRU, nil),
		WithL2(client),
	)
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	cache.Set(ctx, "k", []byte("v"), time.Minute)
	cache.l1.Clear()

	_, tier, ok := cache.Get(ctx, "k")
	if !ok || tier != "l2" {
		t.Fatalf("Expected l2 hit after l1 flush, got tier=%q ok=%v", tier, ok)
	}

	_, tier, ok = cache.Get(ctx, "k")
	if !ok || tier != "l1" {
		t.Errorf("Expected l1 hit after promotion, got tier=%q ok=%v", tier, ok)
	}
}

// A value present only on disk is served from L3 and promoted upward so the
// next read comes from memory.
func TestMultiTierCacheL3HitPromotesUpward(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l3, err := NewDiskCache(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewDiskCache failed: %v", err)
	}
	if err := l3.Set("warm", []byte("from disk"), time.Hour); err != nil {
		t.Fatalf("seeding l3 failed: %v", err)
	}

	cache, err := NewMultiTierCache(
		NewMemoryCache(1024, PolicyLRU, nil),
		WithL2(client),
		WithL3Cache(l3),
	)
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	value, tier, ok := cache.Get(ctx, "warm")
	if !ok || tier != "l3" {
		t.Fatalf("Expected l3 hit, got tier=%q ok=%v", tier, ok)
	}
	if string(value) != "from disk" {
		t.Errorf("Expected from disk, got %q", value)
	}

	_, tier, ok = cache.Get(ctx, "warm")
	if !ok || tier != "l1" {
		t.Errorf("Expected l1 hit after promotion, got tier=%q ok=%v", tier, ok)
	}

	// Close drains the background L2 promotion
	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mr.Exists("querycore:warm") {
		t.Error("Expected l3 hit promoted into redis")
	}

	stats := cache.Stats()
	if stats.Promotions < 2 {
		t.Errorf("Expected at least 2 promotions, got %d", stats.Promotions)
	}
}

// Losing Redis degrades reads to misses and never fails writes.
func TestMultiTierCacheL2OutageDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := NewMultiTierCache(
		NewMemoryCache(1024, PolicyLRU, nil),
		WithL2(client),
	)
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	mr.Close()

	cache.Set(ctx, "k", []byte("v"), time.Minute)
	value, tier, ok := cache.Get(ctx, "k")
	if !ok || tier != "l1" {
		t.Fatalf("Expected l1 to serve despite redis outage, got tier=%q ok=%v", tier, ok)
	}
	if string(value) != "v" {
		t.Errorf("Expected v, got %q", value)
	}

	cache.l1.Clear()
	if _, _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Expected miss with l1 empty and redis down")
	}
}

func TestMultiTierCacheInvalidateTags(t *testing.T) {
	client := testRedisClient(t)
	l3, err := NewDiskCache(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewDiskCache failed: %v", err)
	}
	cache, err := NewMultiTierCache(
		NewMemoryCache(1024, PolicyLRU, nil),
		WithL2(client),
		WithL3Cache(l3),
	)
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	cache.Set(ctx, "q1", []byte("a"), time.Minute, "people_contacts")
	cache.Set(ctx, "q2", []byte("b"), time.Minute, "organizations")

	removed := cache.InvalidateTags(ctx, []string{"people_contacts"})
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if _, _, ok := cache.Get(ctx, "q1"); ok {
		t.Error("Expected q1 gone from every tier")
	}
	if _, _, ok := cache.Get(ctx, "q2"); !ok {
		t.Error("Expected q2 to survive")
	}
}

func TestMultiTierCacheDefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := NewMultiTierCache(
		NewMemoryCache(1024, PolicyLRU, nil),
		WithL2(client),
		WithDefaultTTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}

	// Zero TTL falls back to the configured default
	cache.Set(context.Background(), "k", []byte("v"), 0)
	ttl := mr.TTL("querycore:k")
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("Expected default TTL applied in redis, got %v", ttl)
	}
}

func TestMultiTierCacheStats(t *testing.T) {
	cache, err := NewMultiTierCache(NewMemoryCache(1024, PolicyLRU, nil))
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()

	cache.Set(ctx, "k", []byte("v"), time.Minute)
	cache.Get(ctx, "k")
	cache.Get(ctx, "k")
	cache.Get(ctx, "nope")

	stats := cache.Stats()
	if len(stats.Tiers) != 1 {
		t.Fatalf("Expected 1 tier, got %d", len(stats.Tiers))
	}
	l1 := stats.Tiers[0]
	if l1.Tier != "l1" {
		t.Errorf("Expected l1, got %s", l1.Tier)
	}
	if l1.Hits != 2 || l1.Misses != 1 {
		t.Errorf("Expected 2 hits 1 miss, got %d/%d", l1.Hits, l1.Misses)
	}
	want := 2.0 / 3.0
	if l1.HitRate < want-0.01 || l1.HitRate > want+0.01 {
		t.Errorf("Expected hit rate ~%.2f, got %.2f", want, l1.HitRate)
	}
	if l1.LatencyP50MS > l1.LatencyP90MS ||
		l1.LatencyP90MS > l1.LatencyP95MS ||
		l1.LatencyP95MS > l1.LatencyP99MS {
		t.Errorf("Expected monotonic latency percentiles, got %+v", l1)
	}
}

func TestMultiTierCacheClosed(t *testing.T) {
	cache, err := NewMultiTierCache(NewMemoryCache(1024, PolicyLRU, nil))
	if err != nil {
		t.Fatalf("NewMultiTierCache failed: %v", err)
	}
	ctx := context.Background()
	cache.Set(ctx, "k", []byte("v"), time.Minute)

	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Expected miss after Close")
	}
	cache.Set(ctx, "dropped", []byte("v"), time.Minute)
	if _, ok := cache.l1.Get("dropped"); ok {
		t.Error("Expected write dropped after Close")
	}
	if err := cache.Close(); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Expected ErrCacheClosed on second Close, got %v", err)
	}
}
