package querycore

import (
	"context"
)

// relationDatabases is the static relation-field to database mapping used
// when an include names no target database.
var relationDatabases = map[string]string{
	"people":        "people_contacts",
	"contacts":      "people_contacts",
	"organizations": "organizations",
	"orgs":          "organizations",
	"events":        "events_meetings",
	"meetings":      "events_meetings",
	"locations":     "locations",
	"documents":     "documents_files",
	"files":         "documents_files",
	"communications": "communications",
	"vehicles":      "vehicles_assets",
	"cases":         "cases_investigations",
}

// Resolver traverses relation fields across loaded databases and attaches
// the referenced records inline.
type Resolver struct {
	loader  *Loader
	logger  Logger
	metrics Metrics
}

// NewResolver creates a relationship resolver over a record loader
func NewResolver(loader *Loader, logger Logger, metrics Metrics) *Resolver {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Resolver{loader: loader, logger: logger, metrics: metrics}
}

// visitKey identifies a record across databases for cycle detection
type visitKey struct {
	database string
	id       string
}

// Resolve applies every include to the record set. Records are cloned
// before mutation so the loader's cached slices stay intact. Missing
// related ids are silently skipped; cycles attach the id reference only.
func (r *Resolver) Resolve(ctx context.Context, records []Record, includes []Include) ([]Record, error) {
	if len(includes) == 0 {
		return records, nil
	}

	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = cloneRecord(rec)
	}

	// Per-traversal index of already-loaded databases, keyed by record id
	indexes := make(map[string]map[string]Record)

	for _, inc := range includes {
		target := inc.TargetDatabase
		if target == "" {
			target = relationDatabases[inc.RelationField]
		}
		if target == "" {
			r.logger.Warn("include has no resolvable target database",
				"relation_field", inc.RelationField)
			continue
		}

		for _, rec := range out {
			visited := map[visitKey]bool{
				{database: Stringify(rec[FieldDatabase]), id: RecordID(rec)}: true,
			}
			if err := r.resolveField(ctx, rec, inc.RelationField, target, inc.MaxDepth, visited, indexes); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// resolveField expands one relation field on one record, recursing into the
// attached records until depth runs out or a cycle is found.
func (r *Resolver) resolveField(ctx context.Context, rec Record, field, target string, depth int, visited map[visitKey]bool, indexes map[string]map[string]Record) error {
	if depth <= 0 {
		return nil
	}

	ids := relationIDs(ResolveField(rec, field))
	if len(ids) == 0 {
		return nil
	}

	index, err := r.databaseIndex(ctx, target, indexes)
	if err != nil {
		// A missing target database skips the include rather than
		// failing the whole query
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	resolved := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		key := visitKey{database: target, id: id}
		if visited[key] {
			// Cycle: keep the id reference, do not nest the object
			resolved = append(resolved, id)
			continue
		}

		related, ok := index[id]
		if !ok {
			continue
		}

		visited[key] = true
		clone := cloneRecord(related)
		if err := r.resolveField(ctx, clone, field, target, depth-1, visited, indexes); err != nil {
			return err
		}
		resolved = append(resolved, clone)
	}

	rec[field] = resolved
	return nil
}

// databaseIndex loads a database once per traversal and indexes it by id
func (r *Resolver) databaseIndex(ctx context.Context, database string, indexes map[string]map[string]Record) (map[string]Record, error) {
	if index, ok := indexes[database]; ok {
		return index, nil
	}

	records, err := r.loader.LoadDatabase(ctx, database)
	if err != nil {
		return nil, err
	}

	index := make(map[string]Record, len(records))
	for _, rec := range records {
		index[RecordID(rec)] = rec
	}
	indexes[database] = index
	return index, nil
}

// relationIDs reads a relation field value as a list of id strings
func relationIDs(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			switch id := item.(type) {
			case string:
				ids = append(ids, id)
			case map[string]interface{}:
				// Already-inlined records keep their id
				if s := RecordID(id); s != "" {
					ids = append(ids, s)
				}
			default:
				ids = append(ids, Stringify(item))
			}
		}
		return ids
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
