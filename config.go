package querycore

import (
	"os"
	"strconv"
	"time"
)

// Configuration constants for query core operations
const (
	DefaultQueryTimeout   = 30 * time.Second
	DefaultCacheTTL       = 5 * time.Minute
	DefaultPageSize       = 50
	MaxPageSize           = 1000
	DefaultMemoryLimitMB  = 64
	DefaultRetentionHours = 24

	// Complexity bounds checked before execution
	MaxFilters  = 50
	MaxIncludes = 10

	// Loader switches to a streaming decoder above this file size
	DefaultStreamThreshold = 10 << 20 // 10 MB

	// Export configuration
	DefaultExportChunkRows     = 10000
	DefaultMaxConcurrentExport = 5
	DefaultProgressEveryRows   = 1000

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// Config holds runtime configuration for the query engine.
// Zero values fall back to the defaults above.
type Config struct {
	DataDir            string
	CacheDir           string
	ExportDir          string
	RetentionHours     int
	EnableCache        bool
	EnableOptimization bool
	EnableProfiling    bool
	MemoryLimitMB      int
	DefaultTTL         time.Duration
	QueryTimeout       time.Duration
	MaxConcurrent      int // concurrent export jobs
	L2Endpoint         string
	L3Enabled          bool
}

// DefaultConfig returns a configuration suitable for local development
func DefaultConfig() Config {
	return Config{
		DataDir:            "./data",
		CacheDir:           "./cache",
		ExportDir:          "./exports",
		RetentionHours:     DefaultRetentionHours,
		EnableCache:        true,
		EnableOptimization: true,
		EnableProfiling:    false,
		MemoryLimitMB:      DefaultMemoryLimitMB,
		DefaultTTL:         DefaultCacheTTL,
		QueryTimeout:       DefaultQueryTimeout,
		MaxConcurrent:      DefaultMaxConcurrentExport,
	}
}

// ConfigFromEnv populates a Config from QUERYCORE_* environment variables,
// falling back to DefaultConfig values when unset.
//
// Variables read:
//   - QUERYCORE_DATA_DIR, QUERYCORE_CACHE_DIR, QUERYCORE_EXPORT_DIR
//   - QUERYCORE_RETENTION_HOURS, QUERYCORE_MEMORY_LIMIT_MB
//   - QUERYCORE_ENABLE_CACHE, QUERYCORE_ENABLE_OPTIMIZATION, QUERYCORE_ENABLE_PROFILING
//   - QUERYCORE_DEFAULT_TTL (seconds), QUERYCORE_QUERY_TIMEOUT (seconds)
//   - QUERYCORE_MAX_CONCURRENT_EXPORTS
//   - QUERYCORE_L2_ENDPOINT, QUERYCORE_L3_ENABLED
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("QUERYCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUERYCORE_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("QUERYCORE_EXPORT_DIR"); v != "" {
		cfg.ExportDir = v
	}
	cfg.RetentionHours = getEnvAsInt("QUERYCORE_RETENTION_HOURS", cfg.RetentionHours)
	cfg.MemoryLimitMB = getEnvAsInt("QUERYCORE_MEMORY_LIMIT_MB", cfg.MemoryLimitMB)
	cfg.EnableCache = getEnvAsBool("QUERYCORE_ENABLE_CACHE", cfg.EnableCache)
	cfg.EnableOptimization = getEnvAsBool("QUERYCORE_ENABLE_OPTIMIZATION", cfg.EnableOptimization)
	cfg.EnableProfiling = getEnvAsBool("QUERYCORE_ENABLE_PROFILING", cfg.EnableProfiling)
	if secs := getEnvAsInt("QUERYCORE_DEFAULT_TTL", 0); secs > 0 {
		cfg.DefaultTTL = time.Duration(secs) * time.Second
	}
	if secs := getEnvAsInt("QUERYCORE_QUERY_TIMEOUT", 0); secs > 0 {
		cfg.QueryTimeout = time.Duration(secs) * time.Second
	}
	cfg.MaxConcurrent = getEnvAsInt("QUERYCORE_MAX_CONCURRENT_EXPORTS", cfg.MaxConcurrent)
	cfg.L2Endpoint = os.Getenv("QUERYCORE_L2_ENDPOINT")
	cfg.L3Enabled = getEnvAsBool("QUERYCORE_L3_ENABLED", cfg.L3Enabled)

	return cfg
}

// Validate checks if the Config is valid
func (c Config) Validate() error {
	if c.MemoryLimitMB <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MemoryLimitMB",
			"value":  c.MemoryLimitMB,
			"reason": "must be positive",
		})
	}
	if c.RetentionHours < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RetentionHours",
			"value":  c.RetentionHours,
			"reason": "must be non-negative",
		})
	}
	if c.MaxConcurrent <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxConcurrent",
			"value":  c.MaxConcurrent,
			"reason": "must be positive",
		})
	}
	if c.QueryTimeout <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "QueryTimeout",
			"value":  c.QueryTimeout,
			"reason": "must be positive",
		})
	}
	return nil
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}

// getEnvAsBool reads a boolean environment variable with a default fallback.
func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
