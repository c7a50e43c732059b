// Package querycore executes structured and natural-language queries over
// JSON-backed record databases.
//
// The pipeline runs parse, plan, cache probe, load, filter, search, resolve,
// sort, paginate, cache store. Each stage is usable on its own: ApplyFilters,
// ApplySorting, Search, TopK and the cursor helpers are plain functions over
// []Record, while Engine wires them together with caching, optimization and
// statistics.
//
// Basic usage:
//
//	cfg := querycore.DefaultConfig()
//	cfg.DataDir = "/var/lib/intel/databases"
//
//	engine, err := querycore.NewEngine(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	result, err := engine.ExecuteStructured(ctx, &querycore.StructuredQuery{
//		Database: "people_contacts",
//		Filters: []querycore.Filter{
//			{Field: "city", Operator: querycore.OpEq, Value: "Berlin"},
//		},
//		SortFields: []querycore.SortField{{Field: "name", Order: querycore.SortAsc}},
//	})
//
// Natural-language queries go through the heuristic parser first:
//
//	result, err := engine.ExecuteNatural(ctx, `find people named "Anna Weber" in Berlin`)
//
// Results are cached across three optional tiers: a byte-bounded in-process
// LRU, Redis, and a sharded on-disk store. Exports stream query results to
// CSV, TSV, JSON, JSONL, Excel or Parquet through background jobs with
// progress tracking and TTL cleanup.
package querycore
