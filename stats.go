package querycore

import (
	"sort"
	"sync"
	"time"
)

// EngineStatistics is a point-in-time snapshot of collector state
type EngineStatistics struct {
	TotalQueries    int64            `json:"total_queries"`
	TotalErrors     int64            `json:"total_errors"`
	ErrorsByKind    map[string]int64 `json:"errors_by_kind"`
	QueriesByDB     map[string]int64 `json:"queries_by_database"`
	PopularFilters  map[string]int64 `json:"popular_filter_fields"`
	QueriesByIntent map[string]int64 `json:"queries_by_intent"`
	LatencyP50MS    float64          `json:"latency_p50_ms"`
	LatencyP90MS    float64          `json:"latency_p90_ms"`
	LatencyP95MS    float64          `json:"latency_p95_ms"`
	LatencyP99MS    float64          `json:"latency_p99_ms"`
	CacheHitRate    float64          `json:"cache_hit_rate"`
	Cache           CacheStats       `json:"cache"`
}

// Collector accumulates query-level statistics for the engine. All methods
// are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	totalQueries int64
	totalErrors  int64
	errorsByKind map[string]int64
	byDatabase   map[string]int64
	byField      map[string]int64
	byIntent     map[string]int64
	cacheHits    int64
	cacheMisses  int64
	latencies    latencyRing
}

// NewCollector creates an empty statistics collector
func NewCollector() *Collector {
	return &Collector{
		errorsByKind: make(map[string]int64),
		byDatabase:   make(map[string]int64),
		byField:      make(map[string]int64),
		byIntent:     make(map[string]int64),
	}
}

// RecordQuery folds one executed query into the counters
func (c *Collector) RecordQuery(q *StructuredQuery, intent Intent, d time.Duration, fromCache bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalQueries++
	c.latencies.add(d)

	if q != nil {
		if q.Database != "" {
			c.byDatabase[q.Database]++
		}
		for _, f := range q.Filters {
			c.byField[f.Field]++
		}
	}
	if intent != "" && intent != IntentUnknown {
		c.byIntent[string(intent)]++
	}
	if fromCache {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
	if err != nil {
		c.totalErrors++
		c.errorsByKind[errorKind(err)]++
	}
}

// errorKind buckets an error under its sentinel name
func errorKind(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case IsBadQuery(err):
		return "bad_query"
	case IsCancellation(err):
		return "cancelled"
	case IsRecoverable(err):
		return "recoverable"
	default:
		return "internal"
	}
}

// Snapshot returns a copy of the current counters with latency percentiles
func (c *Collector) Snapshot() EngineStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := EngineStatistics{
		TotalQueries:    c.totalQueries,
		TotalErrors:     c.totalErrors,
		ErrorsByKind:    copyCounts(c.errorsByKind),
		QueriesByDB:     copyCounts(c.byDatabase),
		PopularFilters:  copyCounts(c.byField),
		QueriesByIntent: copyCounts(c.byIntent),
		LatencyP50MS:    c.latencies.percentileMS(50),
		LatencyP90MS:    c.latencies.percentileMS(90),
		LatencyP95MS:    c.latencies.percentileMS(95),
		LatencyP99MS:    c.latencies.percentileMS(99),
	}
	if probes := c.cacheHits + c.cacheMisses; probes > 0 {
		snap.CacheHitRate = float64(c.cacheHits) / float64(probes)
	}
	return snap
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SlowQuery is one profiled query that exceeded the profiler threshold
type SlowQuery struct {
	Database  string           `json:"database"`
	Source    string           `json:"source_query,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Stages    map[string]int64 `json:"stage_ms,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Profiler keeps the slowest recent queries for diagnosis. Disabled unless
// the engine runs with profiling on.
type Profiler struct {
	mu        sync.Mutex
	threshold time.Duration
	capacity  int
	slow      []SlowQuery
	logger    Logger
}

// NewProfiler creates a profiler that records queries slower than threshold,
// keeping at most capacity entries (oldest dropped first).
func NewProfiler(threshold time.Duration, capacity int, logger Logger) *Profiler {
	if threshold <= 0 {
		threshold = 500 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Profiler{threshold: threshold, capacity: capacity, logger: logger}
}

// Observe records the query if it crossed the slow threshold
func (p *Profiler) Observe(q *StructuredQuery, stats *QueryStatistics, d time.Duration) {
	if d < p.threshold {
		return
	}

	entry := SlowQuery{
		Duration:  d,
		Timestamp: time.Now(),
	}
	if q != nil {
		entry.Database = q.Database
		entry.Source = q.SourceQuery
	}
	if stats != nil {
		entry.Stages = make(map[string]int64, len(stats.Stages))
		for _, st := range stats.Stages {
			entry.Stages[st.Stage] = st.Duration.Milliseconds()
		}
	}

	p.mu.Lock()
	p.slow = append(p.slow, entry)
	if len(p.slow) > p.capacity {
		p.slow = p.slow[len(p.slow)-p.capacity:]
	}
	p.mu.Unlock()

	p.logger.Warn("slow query",
		"database", entry.Database,
		"duration_ms", d.Milliseconds(),
	)
}

// SlowQueries returns the recorded slow queries, slowest first
func (p *Profiler) SlowQueries() []SlowQuery {
	p.mu.Lock()
	out := make([]SlowQuery, len(p.slow))
	copy(out, p.slow)
	p.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	return out
}
