package querycore

import (
	"sync"
	"time"
)

// Metrics provides observability for query core operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter (test helper)
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricQueryTotal      = "querycore.query.total"
	MetricQueryErrors     = "querycore.query.errors"
	MetricQueryDuration   = "querycore.query.duration"
	MetricQueryResults    = "querycore.query.results"
	MetricParseDuration   = "querycore.parse.duration"
	MetricLoadDuration    = "querycore.load.duration"
	MetricFilterDuration  = "querycore.filter.duration"
	MetricSearchDuration  = "querycore.search.duration"
	MetricSortDuration    = "querycore.sort.duration"
	MetricResolveDuration = "querycore.resolve.duration"

	MetricCacheHits       = "querycore.cache.hits"
	MetricCacheMisses     = "querycore.cache.misses"
	MetricCacheEvictions  = "querycore.cache.evictions"
	MetricCacheExpired    = "querycore.cache.expired"
	MetricCachePromotions = "querycore.cache.promotions"
	MetricCacheErrors     = "querycore.cache.errors"
	MetricCacheLatency    = "querycore.cache.latency"
	MetricCacheSizeBytes  = "querycore.cache.size_bytes"

	MetricExportJobs     = "querycore.export.jobs"
	MetricExportRows     = "querycore.export.rows"
	MetricExportBytes    = "querycore.export.bytes"
	MetricExportFailed   = "querycore.export.failed"
	MetricExportSwept    = "querycore.export.swept"
	MetricExportDuration = "querycore.export.duration"

	MetricLoaderReads     = "querycore.loader.reads"
	MetricLoaderCacheHits = "querycore.loader.cache_hits"
)
