package querycore

import (
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	q1 := &StructuredQuery{
		Database: "people_contacts",
		Filters:  []Filter{{Field: "city", Operator: OpEq, Value: "Berlin"}},
	}
	q2 := &StructuredQuery{Database: "organizations"}

	c.RecordQuery(q1, IntentSearchEntity, 10*time.Millisecond, false, nil)
	c.RecordQuery(q1, IntentSearchEntity, time.Millisecond, true, nil)
	c.RecordQuery(q2, IntentUnknown, 20*time.Millisecond, false, ErrDatabaseNotFound)

	snap := c.Snapshot()
	if snap.TotalQueries != 3 {
		t.Errorf("Expected 3 queries, got %d", snap.TotalQueries)
	}
	if snap.TotalErrors != 1 {
		t.Errorf("Expected 1 error, got %d", snap.TotalErrors)
	}
	if snap.QueriesByDB["people_contacts"] != 2 || snap.QueriesByDB["organizations"] != 1 {
		t.Errorf("Expected per-database counts, got %v", snap.QueriesByDB)
	}
	if snap.PopularFilters["city"] != 2 {
		t.Errorf("Expected city filter counted twice, got %v", snap.PopularFilters)
	}
	if snap.QueriesByIntent["search_entity"] != 2 {
		t.Errorf("Expected 2 search_entity queries, got %v", snap.QueriesByIntent)
	}
	if _, ok := snap.QueriesByIntent["unknown"]; ok {
		t.Error("Expected unknown intent not counted")
	}
	want := 1.0 / 3.0
	if snap.CacheHitRate < want-0.01 || snap.CacheHitRate > want+0.01 {
		t.Errorf("Expected hit rate ~%.2f, got %.2f", want, snap.CacheHitRate)
	}
}

func TestCollectorErrorKinds(t *testing.T) {
	c := NewCollector()
	q := &StructuredQuery{Database: "people_contacts"}

	c.RecordQuery(q, IntentUnknown, time.Millisecond, false, ErrDatabaseNotFound)
	c.RecordQuery(q, IntentUnknown, time.Millisecond, false, ErrBadCursor)
	c.RecordQuery(q, IntentUnknown, time.Millisecond, false, ErrQueryCancelled)
	c.RecordQuery(q, IntentUnknown, time.Millisecond, false, ErrCacheIO)
	c.RecordQuery(q, IntentUnknown, time.Millisecond, false, ErrExportFailed)

	snap := c.Snapshot()
	wantKinds := map[string]int64{
		"not_found":   1,
		"bad_query":   1,
		"cancelled":   1,
		"recoverable": 1,
		"internal":    1,
	}
	for kind, want := range wantKinds {
		if snap.ErrorsByKind[kind] != want {
			t.Errorf("Expected %d %s errors, got %d", want, kind, snap.ErrorsByKind[kind])
		}
	}
}

func TestCollectorLatencyPercentiles(t *testing.T) {
	c := NewCollector()
	q := &StructuredQuery{Database: "people_contacts"}
	for i := 1; i <= 100; i++ {
		c.RecordQuery(q, IntentUnknown, time.Duration(i)*time.Millisecond, false, nil)
	}

	snap := c.Snapshot()
	if snap.LatencyP50MS < 40 || snap.LatencyP50MS > 60 {
		t.Errorf("Expected p50 near 50ms, got %f", snap.LatencyP50MS)
	}
	if snap.LatencyP99MS < 95 || snap.LatencyP99MS > 100 {
		t.Errorf("Expected p99 near 99ms, got %f", snap.LatencyP99MS)
	}
	if snap.LatencyP50MS > snap.LatencyP90MS || snap.LatencyP90MS > snap.LatencyP99MS {
		t.Error("Expected percentiles to be monotonic")
	}
}

func TestProfilerThreshold(t *testing.T) {
	p := NewProfiler(100*time.Millisecond, 10, nil)
	q := &StructuredQuery{Database: "people_contacts", SourceQuery: "find anna"}

	p.Observe(q, nil, 50*time.Millisecond)
	if len(p.SlowQueries()) != 0 {
		t.Error("Expected fast query ignored")
	}

	stats := &QueryStatistics{}
	stats.addStage("load", 80*time.Millisecond, 100)
	stats.addStage("filter", 40*time.Millisecond, 10)
	p.Observe(q, stats, 150*time.Millisecond)

	slow := p.SlowQueries()
	if len(slow) != 1 {
		t.Fatalf("Expected 1 slow query, got %d", len(slow))
	}
	if slow[0].Database != "people_contacts" || slow[0].Source != "find anna" {
		t.Errorf("Expected query identity captured, got %+v", slow[0])
	}
	if slow[0].Stages["load"] != 80 || slow[0].Stages["filter"] != 40 {
		t.Errorf("Expected stage timings in ms, got %v", slow[0].Stages)
	}
}

func TestProfilerOrderingAndCapacity(t *testing.T) {
	p := NewProfiler(time.Millisecond, 3, nil)
	q := &StructuredQuery{Database: "people_contacts"}

	for _, d := range []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	} {
		p.Observe(q, nil, d)
	}

	slow := p.SlowQueries()
	if len(slow) != 3 {
		t.Fatalf("Expected capacity 3, got %d", len(slow))
	}
	// Oldest entry dropped, remainder sorted slowest first
	want := []time.Duration{50 * time.Millisecond, 40 * time.Millisecond, 20 * time.Millisecond}
	for i := range want {
		if slow[i].Duration != want[i] {
			t.Errorf("Expected %v at position %d, got %v", want[i], i, slow[i].Duration)
		}
	}
}
