package querycore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Operator is the closed vocabulary of filter operators
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpBetween     Operator = "between"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpRegex       Operator = "regex"
	OpFuzzy       Operator = "fuzzy"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
)

// Filter is one predicate over a record field. Field supports dot-notation
// for nested access; numeric path components address list indices.
type Filter struct {
	Field         string      `json:"field"`
	Operator      Operator    `json:"operator"`
	Value         interface{} `json:"value,omitempty"`
	CaseSensitive bool        `json:"case_sensitive,omitempty"`

	// FuzzyThreshold overrides the default 0.7 similarity bound for OpFuzzy
	FuzzyThreshold float64 `json:"fuzzy_threshold,omitempty"`
}

// SortOrder is the direction of one sort key
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SortField is one key of a compound sort; the first key dominates
type SortField struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// Include requests inline resolution of a relation field
type Include struct {
	RelationField  string `json:"relation_field"`
	TargetDatabase string `json:"target_database,omitempty"`
	MaxDepth       int    `json:"max_depth,omitempty"`
}

// StructuredQuery is the canonical query input
type StructuredQuery struct {
	Database    string      `json:"database"`
	Filters     []Filter    `json:"filters,omitempty"`
	SortFields  []SortField `json:"sort_fields,omitempty"`
	Includes    []Include   `json:"includes,omitempty"`
	Page        int         `json:"page,omitempty"`
	PageSize    int         `json:"page_size,omitempty"`
	Cursor      string      `json:"cursor,omitempty"`
	Distinct    bool        `json:"distinct,omitempty"`
	SourceQuery string      `json:"source_query,omitempty"`
}

// Normalize clamps pagination into the supported range
func (q *StructuredQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	for i := range q.SortFields {
		if q.SortFields[i].Order != SortDesc {
			q.SortFields[i].Order = SortAsc
		}
	}
	for i := range q.Includes {
		if q.Includes[i].MaxDepth < 1 {
			q.Includes[i].MaxDepth = 1
		}
	}
}

// CheckComplexity rejects queries over the complexity bounds before any
// work is scheduled.
func (q *StructuredQuery) CheckComplexity() error {
	if len(q.Filters) > MaxFilters {
		return WithContext(ErrTooComplex, map[string]interface{}{
			"filters": len(q.Filters),
			"max":     MaxFilters,
		})
	}
	if len(q.Includes) > MaxIncludes {
		return WithContext(ErrTooComplex, map[string]interface{}{
			"includes": len(q.Includes),
			"max":      MaxIncludes,
		})
	}
	if q.PageSize > MaxPageSize && len(q.Filters) == 0 {
		return WithContext(ErrTooComplex, map[string]interface{}{
			"page_size": q.PageSize,
			"reason":    "huge page without filters",
		})
	}
	return nil
}

// CacheKey derives a deterministic key from the query's observable fields.
// Filters are canonicalized and sorted, so permutations of the same filter
// set share one key and one cached result.
func (q *StructuredQuery) CacheKey() string {
	filterKeys := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		val, _ := json.Marshal(f.Value)
		filterKeys[i] = fmt.Sprintf("%s|%s|%s|%t|%g", f.Field, f.Operator, val, f.CaseSensitive, f.FuzzyThreshold)
	}
	sort.Strings(filterKeys)

	sortKeys := make([]string, len(q.SortFields))
	for i, s := range q.SortFields {
		sortKeys[i] = s.Field + "|" + string(s.Order)
	}

	includeKeys := make([]string, len(q.Includes))
	for i, inc := range q.Includes {
		includeKeys[i] = fmt.Sprintf("%s|%s|%d", inc.RelationField, inc.TargetDatabase, inc.MaxDepth)
	}

	var sb strings.Builder
	sb.WriteString("db=" + q.Database)
	sb.WriteString(";f=" + strings.Join(filterKeys, ","))
	sb.WriteString(";s=" + strings.Join(sortKeys, ","))
	sb.WriteString(";i=" + strings.Join(includeKeys, ","))
	sb.WriteString(fmt.Sprintf(";p=%d;n=%d;c=%s;d=%t;q=%s",
		q.Page, q.PageSize, q.Cursor, q.Distinct, q.SourceQuery))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// QueryResult is the assembled output of one query execution
type QueryResult struct {
	Data            []Record         `json:"data"`
	TotalCount      int              `json:"total_count"`
	Page            int              `json:"page"`
	PageSize        int              `json:"page_size"`
	ExecutionTimeMS float64          `json:"execution_time_ms"`
	FromCache       bool             `json:"from_cache"`
	CacheTier       string           `json:"cache_tier,omitempty"`
	NextCursor      string           `json:"next_cursor,omitempty"`
	PrevCursor      string           `json:"prev_cursor,omitempty"`
	Diagnostics     *QueryStatistics `json:"diagnostics,omitempty"`
}

// QueryStatistics captures per-stage timings for one execution
type QueryStatistics struct {
	Stages    []StageTiming `json:"stages"`
	Total     time.Duration `json:"total"`
	Slowest   string        `json:"slowest_stage"`
	Optimized bool          `json:"optimized"`
	PlanSteps []PlanStep    `json:"plan_steps,omitempty"`

	slowestDur time.Duration
}

// StageTiming is the elapsed time of one pipeline stage
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Rows     int           `json:"rows"`
}

// addStage records one stage and keeps the bottleneck up to date
func (s *QueryStatistics) addStage(name string, d time.Duration, rows int) {
	s.Stages = append(s.Stages, StageTiming{Stage: name, Duration: d, Rows: rows})
	s.Total += d
	if d > s.slowestDur || s.Slowest == "" {
		s.slowestDur = d
		s.Slowest = name
	}
}
