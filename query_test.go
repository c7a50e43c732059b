package querycore

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	q := &StructuredQuery{
		Page:       -2,
		PageSize:   0,
		SortFields: []SortField{{Field: "age", Order: "descending"}},
		Includes:   []Include{{RelationField: "contacts"}},
	}
	q.Normalize()

	if q.Page != 1 {
		t.Errorf("Expected page clamped to 1, got %d", q.Page)
	}
	if q.PageSize != DefaultPageSize {
		t.Errorf("Expected default page size, got %d", q.PageSize)
	}
	if q.SortFields[0].Order != SortAsc {
		t.Errorf("Expected unrecognized order coerced to asc, got %s", q.SortFields[0].Order)
	}
	if q.Includes[0].MaxDepth != 1 {
		t.Errorf("Expected include depth floored at 1, got %d", q.Includes[0].MaxDepth)
	}

	big := &StructuredQuery{Page: 1, PageSize: 5000}
	big.Normalize()
	if big.PageSize != MaxPageSize {
		t.Errorf("Expected page size capped at %d, got %d", MaxPageSize, big.PageSize)
	}
}

func TestCheckComplexity(t *testing.T) {
	ok := &StructuredQuery{Database: "people_contacts"}
	if err := ok.CheckComplexity(); err != nil {
		t.Errorf("Expected simple query accepted, got %v", err)
	}

	tooManyFilters := &StructuredQuery{Filters: make([]Filter, MaxFilters+1)}
	if err := tooManyFilters.CheckComplexity(); !errors.Is(err, ErrTooComplex) {
		t.Errorf("Expected ErrTooComplex for filters, got %v", err)
	}

	tooManyIncludes := &StructuredQuery{Includes: make([]Include, MaxIncludes+1)}
	if err := tooManyIncludes.CheckComplexity(); !errors.Is(err, ErrTooComplex) {
		t.Errorf("Expected ErrTooComplex for includes, got %v", err)
	}
}

func TestCacheKeyFilterOrderInsensitive(t *testing.T) {
	a := &StructuredQuery{
		Database: "people_contacts",
		Filters: []Filter{
			{Field: "city", Operator: OpEq, Value: "Berlin"},
			{Field: "age", Operator: OpGt, Value: 30},
		},
	}
	b := &StructuredQuery{
		Database: "people_contacts",
		Filters: []Filter{
			{Field: "age", Operator: OpGt, Value: 30},
			{Field: "city", Operator: OpEq, Value: "Berlin"},
		},
	}
	if a.CacheKey() != b.CacheKey() {
		t.Error("Expected filter permutations to share a key")
	}
}

func TestCacheKeyDiscriminates(t *testing.T) {
	base := StructuredQuery{Database: "people_contacts", Page: 1, PageSize: 50}
	mutations := []func(*StructuredQuery){
		func(q *StructuredQuery) { q.Database = "organizations" },
		func(q *StructuredQuery) { q.Filters = []Filter{{Field: "city", Operator: OpEq, Value: "Berlin"}} },
		func(q *StructuredQuery) { q.SortFields = []SortField{{Field: "age", Order: SortDesc}} },
		func(q *StructuredQuery) { q.Page = 2 },
		func(q *StructuredQuery) { q.PageSize = 25 },
		func(q *StructuredQuery) { q.Cursor = "abc" },
		func(q *StructuredQuery) { q.Distinct = true },
		func(q *StructuredQuery) { q.SourceQuery = "find anna" },
		func(q *StructuredQuery) {
			q.Includes = []Include{{RelationField: "contacts", MaxDepth: 2}}
		},
	}
	seen := map[string]bool{base.CacheKey(): true}
	for i, mutate := range mutations {
		q := base
		mutate(&q)
		key := q.CacheKey()
		if seen[key] {
			t.Errorf("Mutation %d: expected a distinct cache key", i)
		}
		seen[key] = true
	}
}

func TestCacheKeySortOrderSensitive(t *testing.T) {
	a := &StructuredQuery{
		Database:   "people_contacts",
		SortFields: []SortField{{Field: "age", Order: SortAsc}, {Field: "name", Order: SortAsc}},
	}
	b := &StructuredQuery{
		Database:   "people_contacts",
		SortFields: []SortField{{Field: "name", Order: SortAsc}, {Field: "age", Order: SortAsc}},
	}
	// Sort key order changes result order, so keys must differ
	if a.CacheKey() == b.CacheKey() {
		t.Error("Expected sort key permutations to get distinct keys")
	}
}

func TestAddStageTracksSlowest(t *testing.T) {
	var s QueryStatistics
	s.addStage("load", 80, 100)
	s.addStage("filter", 120, 10)
	s.addStage("sort", 40, 10)

	if len(s.Stages) != 3 {
		t.Fatalf("Expected 3 stages, got %d", len(s.Stages))
	}
	if s.Total != 240 {
		t.Errorf("Expected total 240, got %d", s.Total)
	}
	if s.Slowest != "filter" {
		t.Errorf("Expected filter slowest, got %s", s.Slowest)
	}
}
