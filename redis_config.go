package querycore

import (
	"os"

	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options populated from standard environment variables.
//
// Environment variables read (with defaults):
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
//
// This is a convenience for deployments following 12-factor principles. The
// L2 cache tier takes any *redis.Client, so Sentinel/Cluster/TLS setups can
// construct redis.Options directly.
//
// Example usage:
//
//	redisClient := redis.NewClient(querycore.RedisOptions())
//	defer redisClient.Close()
//	cache := querycore.NewMultiTierCache(l1, querycore.WithL2(redisClient))
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	password := os.Getenv("REDIS_PASSWORD")

	db := getEnvAsInt("REDIS_DB", 0)

	return &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
}

// RedisOptionsWithOverrides returns redis.Options with explicit overrides for
// common parameters. Empty strings and zero values fall back to environment
// variables via RedisOptions.
func RedisOptionsWithOverrides(addr, password string, poolSize, minIdleConns int) *redis.Options {
	opts := RedisOptions()

	if addr != "" {
		opts.Addr = addr
	}
	if password != "" {
		opts.Password = password
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	if minIdleConns > 0 {
		opts.MinIdleConns = minIdleConns
	}

	return opts
}
