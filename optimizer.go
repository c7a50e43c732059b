package querycore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// FieldStatistics summarize one field's value distribution
type FieldStatistics struct {
	DistinctCount int         `json:"distinct_count"`
	NullCount     int         `json:"null_count"`
	MinValue      interface{} `json:"min_value,omitempty"`
	MaxValue      interface{} `json:"max_value,omitempty"`
}

// TableStatistics summarize one database for cost estimation
type TableStatistics struct {
	Database      string                     `json:"database"`
	RowCount      int                        `json:"row_count"`
	Fields        map[string]FieldStatistics `json:"fields"`
	IndexedFields map[string]bool            `json:"indexed_fields"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

// PlanStep is one node of an explained query plan
type PlanStep struct {
	Operation     string  `json:"operation"`
	Description   string  `json:"description"`
	EstimatedRows int     `json:"estimated_rows"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// OptimizedQuery is the optimizer's output: a possibly reordered query with
// its plan, cost estimate and index suggestions. The input query is never
// mutated.
type OptimizedQuery struct {
	Query            *StructuredQuery `json:"query"`
	EstimatedRows    int              `json:"estimated_rows"`
	EstimatedCost    float64          `json:"estimated_cost"`
	Plan             []PlanStep       `json:"plan"`
	IndexSuggestions []string         `json:"index_suggestions,omitempty"`
	FiltersReordered bool             `json:"filters_reordered"`
}

// Optimizer reorders filters by estimated cost and produces query plans.
// Reordering never changes results: filters combine with AND, so any order
// returns the same record set.
type Optimizer struct {
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	stats map[string]*TableStatistics
}

// NewOptimizer creates a query optimizer with no table statistics yet
func NewOptimizer(logger Logger, metrics Metrics) *Optimizer {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Optimizer{
		logger:  logger,
		metrics: metrics,
		stats:   make(map[string]*TableStatistics),
	}
}

// CollectTableStatistics scans a record set and builds statistics for the
// optimizer. The "id" field and any field named in indexed count as indexed.
func CollectTableStatistics(database string, records []Record, indexed []string) *TableStatistics {
	ts := &TableStatistics{
		Database:      database,
		RowCount:      len(records),
		Fields:        make(map[string]FieldStatistics),
		IndexedFields: map[string]bool{FieldID: true},
		CollectedAt:   time.Now(),
	}
	for _, f := range indexed {
		ts.IndexedFields[f] = true
	}

	distinct := make(map[string]map[string]bool)
	nulls := make(map[string]int)
	fields := make(map[string]bool)

	for _, rec := range records {
		for field, value := range rec {
			fields[field] = true
			if IsNullValue(value) {
				nulls[field]++
				continue
			}
			key := Stringify(value)
			if distinct[field] == nil {
				distinct[field] = make(map[string]bool)
			}
			distinct[field][key] = true

			fs := ts.Fields[field]
			if fs.MinValue == nil || CompareValues(value, fs.MinValue, false) < 0 {
				fs.MinValue = value
			}
			if fs.MaxValue == nil || CompareValues(value, fs.MaxValue, false) > 0 {
				fs.MaxValue = value
			}
			ts.Fields[field] = fs
		}
	}

	for field := range fields {
		fs := ts.Fields[field]
		fs.DistinctCount = len(distinct[field])
		fs.NullCount = nulls[field]
		ts.Fields[field] = fs
	}
	return ts
}

// UpdateStatistics installs (or replaces) statistics for a database
func (o *Optimizer) UpdateStatistics(ts *TableStatistics) {
	if ts == nil {
		return
	}
	o.mu.Lock()
	o.stats[ts.Database] = ts
	o.mu.Unlock()
}

// Statistics returns the stored statistics for a database, if any
func (o *Optimizer) Statistics(database string) (*TableStatistics, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ts, ok := o.stats[database]
	return ts, ok
}

// selectivity estimates the fraction of rows a filter passes. With table
// statistics an equality filter uses 1/distinct, null checks use the observed
// null fraction, and range operators interpolate against the field's min/max;
// otherwise the per-operator default applies.
func (o *Optimizer) selectivity(database string, f Filter) float64 {
	o.mu.RLock()
	ts, ok := o.stats[database]
	o.mu.RUnlock()
	if !ok || ts.RowCount == 0 {
		return defaultSelectivity(f.Operator)
	}

	fs, ok := ts.Fields[f.Field]
	if !ok {
		return defaultSelectivity(f.Operator)
	}

	switch f.Operator {
	case OpEq:
		if fs.DistinctCount > 0 {
			return 1 / float64(fs.DistinctCount)
		}
	case OpNe:
		if fs.DistinctCount > 0 {
			return 1 - 1/float64(fs.DistinctCount)
		}
	case OpIsNull:
		return float64(fs.NullCount) / float64(ts.RowCount)
	case OpIsNotNull:
		return 1 - float64(fs.NullCount)/float64(ts.RowCount)
	case OpIn:
		if seq, ok := f.Value.([]interface{}); ok && fs.DistinctCount > 0 {
			sel := float64(len(seq)) / float64(fs.DistinctCount)
			if sel > 1 {
				sel = 1
			}
			return sel
		}
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		if sel, ok := rangeSelectivity(f, fs); ok {
			return sel
		}
	}
	return defaultSelectivity(f.Operator)
}

// rangeSelectivity estimates the passing fraction of a range filter by
// interpolating the bound against the field's observed min/max. Assumes a
// uniform value distribution; only numeric bounds qualify.
func rangeSelectivity(f Filter, fs FieldStatistics) (float64, bool) {
	low, okLow := ToNumber(fs.MinValue)
	high, okHigh := ToNumber(fs.MaxValue)
	if !okLow || !okHigh || high <= low {
		return 0, false
	}
	span := high - low

	switch f.Operator {
	case OpGt, OpGte:
		bound, ok := ToNumber(f.Value)
		if !ok {
			return 0, false
		}
		return clampFraction((high - bound) / span), true
	case OpLt, OpLte:
		bound, ok := ToNumber(f.Value)
		if !ok {
			return 0, false
		}
		return clampFraction((bound - low) / span), true
	case OpBetween:
		pair, ok := f.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return 0, false
		}
		from, okFrom := ToNumber(pair[0])
		to, okTo := ToNumber(pair[1])
		if !okFrom || !okTo {
			return 0, false
		}
		return clampFraction((to - from) / span), true
	}
	return 0, false
}

func clampFraction(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Optimize produces a reordered copy of the query plus its plan. Filters
// are ranked by selectivity times per-row operator cost, ascending, so the
// cheapest most selective predicates run first.
func (o *Optimizer) Optimize(q *StructuredQuery) *OptimizedQuery {
	out := *q
	out.Filters = append([]Filter(nil), q.Filters...)
	out.SortFields = append([]SortField(nil), q.SortFields...)

	type rankedFilter struct {
		filter Filter
		orig   int
		rank   float64
		sel    float64
	}
	ranked := make([]rankedFilter, len(out.Filters))
	for i, f := range out.Filters {
		sel := o.selectivity(q.Database, f)
		ranked[i] = rankedFilter{
			filter: f,
			orig:   i,
			rank:   math.Max(sel, 0.001) * float64(operatorCost(f.Operator)),
			sel:    sel,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].rank < ranked[j].rank })

	reordered := false
	for i := range ranked {
		if ranked[i].orig != i {
			reordered = true
		}
		out.Filters[i] = ranked[i].filter
	}

	// Move an indexed sort field to the front of the compound key
	o.mu.RLock()
	ts := o.stats[q.Database]
	o.mu.RUnlock()
	if ts != nil {
		for i, sf := range out.SortFields {
			if i > 0 && ts.IndexedFields[sf.Field] {
				rest := append([]SortField{sf}, out.SortFields[:i]...)
				out.SortFields = append(rest, out.SortFields[i+1:]...)
				break
			}
		}
	}

	rowCount := 10000
	if ts != nil {
		rowCount = ts.RowCount
	}

	plan := []PlanStep{{
		Operation:     "load",
		Description:   fmt.Sprintf("scan %s", q.Database),
		EstimatedRows: rowCount,
		EstimatedCost: float64(rowCount),
	}}

	rows := float64(rowCount)
	cost := rows
	for _, rf := range ranked {
		stepCost := rows * float64(operatorCost(rf.filter.Operator))
		rows *= rf.sel
		cost += stepCost
		plan = append(plan, PlanStep{
			Operation:     "filter",
			Description:   fmt.Sprintf("%s %s", rf.filter.Field, rf.filter.Operator),
			EstimatedRows: int(rows),
			EstimatedCost: stepCost,
		})
	}

	if len(out.SortFields) > 0 && rows > 1 {
		sortCost := rows * math.Log2(rows)
		cost += sortCost
		fields := make([]string, len(out.SortFields))
		for i, sf := range out.SortFields {
			fields[i] = sf.Field
		}
		plan = append(plan, PlanStep{
			Operation:     "sort",
			Description:   "sort by " + strings.Join(fields, ", "),
			EstimatedRows: int(rows),
			EstimatedCost: sortCost,
		})
	}

	pageRows := float64(out.PageSize)
	if pageRows == 0 || pageRows > rows {
		pageRows = rows
	}
	offsetCost := float64((out.Page - 1) * out.PageSize)
	if offsetCost < 0 {
		offsetCost = 0
	}
	cost += offsetCost
	plan = append(plan, PlanStep{
		Operation:     "paginate",
		Description:   fmt.Sprintf("page %d size %d", out.Page, out.PageSize),
		EstimatedRows: int(pageRows),
		EstimatedCost: offsetCost,
	})

	opt := &OptimizedQuery{
		Query:            &out,
		EstimatedRows:    int(rows),
		EstimatedCost:    cost,
		Plan:             plan,
		IndexSuggestions: o.suggestIndexes(q, ts),
		FiltersReordered: reordered,
	}

	if reordered {
		o.logger.Debug("reordered filters by estimated cost",
			"database", q.Database,
			"filters", len(out.Filters),
		)
	}
	return opt
}

// suggestIndexes recommends indexes for filters on unindexed fields.
// Only operators an index can serve generate suggestions.
func (o *Optimizer) suggestIndexes(q *StructuredQuery, ts *TableStatistics) []string {
	indexable := map[Operator]bool{
		OpEq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
		OpIn: true, OpBetween: true,
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, f := range q.Filters {
		if !indexable[f.Operator] || seen[f.Field] {
			continue
		}
		if ts != nil && ts.IndexedFields[f.Field] {
			continue
		}
		seen[f.Field] = true
		candidates = append(candidates, f.Field)
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.Strings(candidates)

	suggestions := make([]string, 0, len(candidates)+1)
	for _, field := range candidates {
		suggestions = append(suggestions, fmt.Sprintf("index on %s.%s", q.Database, field))
	}
	if len(candidates) > 1 {
		suggestions = append(suggestions, fmt.Sprintf(
			"composite index on %s(%s)", q.Database, strings.Join(candidates, ", ")))
	}
	return suggestions
}
