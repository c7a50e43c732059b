package querycore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Engine runs the query pipeline: parse, plan, cache probe, load, filter,
// search, resolve, sort, paginate, cache store. One Engine is safe for
// concurrent use; identical in-flight queries are deduplicated so a burst
// of the same query executes once.
type Engine struct {
	cfg       Config
	loader    *Loader
	parser    *Parser
	resolver  *Resolver
	optimizer *Optimizer
	cache     *MultiTierCache
	collector *Collector
	profiler  *Profiler
	logger    Logger
	metrics   Metrics
	sf        singleflight.Group
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the engine metrics sink
func WithMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithCache installs an already-built cache instead of the one the engine
// would construct from its Config.
func WithCache(cache *MultiTierCache) EngineOption {
	return func(e *Engine) {
		e.cache = cache
	}
}

// NewEngine builds an engine from configuration. With caching enabled and
// no cache supplied, the tiers come from the config: L1 sized by
// MemoryLimitMB, L2 when L2Endpoint is set, L3 under CacheDir when enabled.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
		collector: NewCollector(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.loader = NewLoader(cfg.DataDir, e.logger, e.metrics)
	e.parser = NewParser(e.logger)
	e.resolver = NewResolver(e.loader, e.logger, e.metrics)
	e.optimizer = NewOptimizer(e.logger, e.metrics)

	if cfg.EnableProfiling {
		e.profiler = NewProfiler(0, 0, e.logger)
	}

	if cfg.EnableCache && e.cache == nil {
		l1 := NewMemoryCache(int64(cfg.MemoryLimitMB)<<20, PolicyLRU, e.metrics)
		cacheOpts := []CacheOption{
			WithCacheLogger(e.logger),
			WithCacheMetrics(e.metrics),
			WithDefaultTTL(cfg.DefaultTTL),
		}
		if cfg.L2Endpoint != "" {
			client := redis.NewClient(RedisOptionsWithOverrides(cfg.L2Endpoint, "", 0, 0))
			cacheOpts = append(cacheOpts, WithL2(client))
		}
		if cfg.L3Enabled {
			cacheOpts = append(cacheOpts, WithL3(cfg.CacheDir))
		}
		cache, err := NewMultiTierCache(l1, cacheOpts...)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}

	return e, nil
}

// Loader exposes the engine's record loader
func (e *Engine) Loader() *Loader { return e.loader }

// Optimizer exposes the engine's optimizer so callers can install table
// statistics collected offline.
func (e *Engine) Optimizer() *Optimizer { return e.optimizer }

// Cache exposes the engine's cache, nil when caching is disabled
func (e *Engine) Cache() *MultiTierCache { return e.cache }

// Statistics returns a snapshot of the engine counters
func (e *Engine) Statistics() EngineStatistics {
	snap := e.collector.Snapshot()
	if e.cache != nil {
		snap.Cache = e.cache.Stats()
	}
	return snap
}

// SlowQueries returns profiled slow queries, empty unless profiling is on
func (e *Engine) SlowQueries() []SlowQuery {
	if e.profiler == nil {
		return nil
	}
	return e.profiler.SlowQueries()
}

// Close releases the cache tiers
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// ExecuteNatural parses free-form text and executes the resulting query.
// The parsed intent becomes a cache tag so intent-scoped invalidation works.
func (e *Engine) ExecuteNatural(ctx context.Context, text string) (*QueryResult, error) {
	parsed := e.parser.Parse(text)
	sq := parsed.ToStructured()
	return e.execute(ctx, sq, parsed.Intent)
}

// ExecuteStructured runs a structured query through the pipeline
func (e *Engine) ExecuteStructured(ctx context.Context, q *StructuredQuery) (*QueryResult, error) {
	if q == nil {
		return nil, WithContext(ErrBadFilterShape, map[string]interface{}{
			"reason": "nil query",
		})
	}
	query := *q

	intent := IntentUnknown
	if query.SourceQuery != "" {
		intent = classifyQueryIntent(query.SourceQuery)
	}
	return e.execute(ctx, &query, intent)
}

func (e *Engine) execute(ctx context.Context, q *StructuredQuery, intent Intent) (*QueryResult, error) {
	start := time.Now()
	e.metrics.Increment(MetricQueryTotal, "database", q.Database)

	result, err := e.executeDeduped(ctx, q, intent)

	elapsed := time.Since(start)
	e.collector.RecordQuery(q, intent, elapsed, result != nil && result.FromCache, err)
	e.metrics.Timing(MetricQueryDuration, elapsed, "database", q.Database)
	if err != nil {
		e.metrics.Increment(MetricQueryErrors, "database", q.Database)
		e.logger.Error("query failed",
			"database", q.Database,
			"error", err.Error(),
			"duration_ms", elapsed.Milliseconds(),
		)
		return nil, err
	}

	result.ExecutionTimeMS = float64(elapsed) / float64(time.Millisecond)
	e.metrics.Histogram(MetricQueryResults, float64(len(result.Data)))
	if e.profiler != nil {
		e.profiler.Observe(q, result.Diagnostics, elapsed)
	}
	return result, nil
}

// executeDeduped collapses identical concurrent queries onto one execution
func (e *Engine) executeDeduped(ctx context.Context, q *StructuredQuery, intent Intent) (*QueryResult, error) {
	// Complexity is judged on the raw query; Normalize would clamp an
	// oversized page before the bound could see it
	if err := q.CheckComplexity(); err != nil {
		return nil, err
	}
	q.Normalize()

	key := q.CacheKey()
	v, err, shared := e.sf.Do(key, func() (interface{}, error) {
		return e.executeOnce(ctx, q, intent, key)
	})
	if err != nil {
		return nil, err
	}

	result := v.(*QueryResult)
	if shared {
		// Followers get their own top-level struct so cursor fields and
		// timing can be set independently
		clone := *result
		return &clone, nil
	}
	return result, nil
}

// executeOnce is the full pipeline for one cache key
func (e *Engine) executeOnce(ctx context.Context, q *StructuredQuery, intent Intent, cacheKey string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout())
	defer cancel()

	stats := &QueryStatistics{}

	// Cache probe
	if e.cache != nil {
		if data, tier, ok := e.cache.Get(ctx, cacheKey); ok {
			var cached QueryResult
			if err := json.Unmarshal(data, &cached); err == nil {
				cached.FromCache = true
				cached.CacheTier = tier
				return &cached, nil
			}
			e.logger.Warn("cached result undecodable, evicting", "key", cacheKey)
			e.cache.Delete(ctx, cacheKey)
		}
	}

	// Plan
	executed := q
	if e.cfg.EnableOptimization {
		planStart := time.Now()
		opt := e.optimizer.Optimize(q)
		executed = opt.Query
		stats.Optimized = true
		stats.PlanSteps = opt.Plan
		stats.addStage("plan", time.Since(planStart), opt.EstimatedRows)
	}

	// Load
	loadStart := time.Now()
	records, err := e.loadRecords(ctx, executed)
	if err != nil {
		return nil, e.mapPipelineErr(ctx, err)
	}
	stats.addStage("load", time.Since(loadStart), len(records))

	// Filter
	if len(executed.Filters) > 0 {
		filterStart := time.Now()
		records, err = ApplyFilters(records, executed.Filters)
		if err != nil {
			return nil, err
		}
		stats.addStage("filter", time.Since(filterStart), len(records))
	}
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	// Search ranks records by relevance against the source text
	if executed.SourceQuery != "" {
		searchStart := time.Now()
		cfg := DefaultSearchConfig()
		cfg.MaxResults = 0 // pagination bounds the output, not the scorer
		matches := Search(records, executed.SourceQuery, cfg)
		ranked := make([]Record, len(matches))
		for i, m := range matches {
			ranked[i] = m.Record
		}
		records = ranked
		stats.addStage("search", time.Since(searchStart), len(records))
	}

	if executed.Distinct {
		records = distinctRecords(records)
	}

	// Resolve includes before sorting so sort keys can reference resolved
	// relation fields
	if len(executed.Includes) > 0 {
		resolveStart := time.Now()
		records, err = e.resolver.Resolve(ctx, records, executed.Includes)
		if err != nil {
			return nil, e.mapPipelineErr(ctx, err)
		}
		stats.addStage("resolve", time.Since(resolveStart), len(records))
	}

	// Sort: explicit keys override search rank; with neither, source order
	// is kept as-is
	if len(executed.SortFields) > 0 {
		sortStart := time.Now()
		records = ApplySorting(records, executed.SortFields)
		stats.addStage("sort", time.Since(sortStart), len(records))
	}
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	// Paginate
	pageStart := time.Now()
	result := &QueryResult{
		Page:        executed.Page,
		PageSize:    executed.PageSize,
		Diagnostics: stats,
	}
	total := len(records)

	if executed.Cursor != "" && len(executed.SortFields) > 0 {
		page, next, prev, err := ApplyCursorPagination(records, executed.Cursor, executed.PageSize, executed.SortFields)
		if err != nil {
			return nil, err
		}
		result.Data = page
		result.NextCursor = next
		result.PrevCursor = prev
		result.TotalCount = total
	} else {
		page, totalCount := ApplyPagination(records, executed.Page, executed.PageSize)
		result.Data = page
		result.TotalCount = totalCount
		if len(executed.SortFields) > 0 {
			end := (executed.Page-1)*executed.PageSize + len(page)
			if end < total && len(page) > 0 {
				result.NextCursor = encodeCursor(records[end], executed.SortFields)
			}
			if start := (executed.Page - 1) * executed.PageSize; start > 0 && start <= total {
				prevStart := start - executed.PageSize
				if prevStart < 0 {
					prevStart = 0
				}
				result.PrevCursor = encodeCursor(records[prevStart], executed.SortFields)
			}
		}
	}
	stats.addStage("paginate", time.Since(pageStart), len(result.Data))

	// Store before returning so an immediate identical query hits the cache
	if e.cache != nil {
		if err := checkCtx(ctx); err != nil {
			// Timed-out or cancelled queries never populate the cache
			return nil, err
		}
		if data, err := json.Marshal(result); err == nil {
			tags := []string{executed.Database}
			if intent != IntentUnknown {
				tags = append(tags, "intent:"+string(intent))
			}
			e.cache.Set(ctx, cacheKey, data, e.cfg.DefaultTTL, tags...)
		}
	}

	return result, nil
}

// loadRecords loads the query's database, or every available database in
// parallel for a cross-database search.
func (e *Engine) loadRecords(ctx context.Context, q *StructuredQuery) ([]Record, error) {
	if q.Database != "" {
		return e.loader.LoadDatabase(ctx, q.Database)
	}
	if q.SourceQuery == "" {
		return nil, WithContext(ErrDatabaseNotFound, map[string]interface{}{
			"reason": "no database named and no search text to infer one",
		})
	}

	names, err := e.loader.AvailableDatabases()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, WithContext(ErrDatabaseNotFound, map[string]interface{}{
			"reason": "no databases available",
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	loaded := make([][]Record, len(names))
	for i, name := range names {
		g.Go(func() error {
			records, err := e.loader.LoadDatabase(gctx, name)
			if err != nil {
				return err
			}
			loaded[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Record
	for _, records := range loaded {
		all = append(all, records...)
	}
	return all, nil
}

// distinctRecords drops duplicate records, keeping first occurrences.
// Identity is the canonical JSON encoding of the whole record.
func distinctRecords(records []Record) []Record {
	seen := make(map[string]bool, len(records))
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			out = append(out, rec)
			continue
		}
		key := string(data)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

func (e *Engine) queryTimeout() time.Duration {
	if e.cfg.QueryTimeout > 0 {
		return e.cfg.QueryTimeout
	}
	return DefaultQueryTimeout
}

// checkCtx translates context termination into the query error taxonomy
func checkCtx(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrQueryTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrQueryCancelled
	}
	return nil
}

// mapPipelineErr prefers the context taxonomy when the context ended, since
// downstream stages often surface a wrapped context error.
func (e *Engine) mapPipelineErr(ctx context.Context, err error) error {
	if ctxErr := checkCtx(ctx); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrQueryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrQueryCancelled
	}
	return err
}
