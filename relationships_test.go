package querycore

import (
	"context"
	"testing"
)

func resolverFixture(t *testing.T) (*Resolver, *Loader) {
	t.Helper()
	dir := t.TempDir()
	writeDatabase(t, dir, "people_contacts", `[
		{"id": "p1", "name": "Anna Weber", "contacts": ["p2"], "organizations": ["o1"]},
		{"id": "p2", "name": "John Smith", "contacts": ["p3"]},
		{"id": "p3", "name": "Maria Santos", "contacts": ["p1"]}
	]`)
	writeDatabase(t, dir, "organizations", `[
		{"id": "o1", "name": "Weber GmbH"}
	]`)

	loader := NewLoader(dir, nil, nil)
	return NewResolver(loader, nil, nil), loader
}

func TestResolveAttachesRelatedRecords(t *testing.T) {
	resolver, loader := resolverFixture(t)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	out, err := resolver.Resolve(context.Background(), people[:1], []Include{
		{RelationField: "organizations", MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	orgs, ok := out[0]["organizations"].([]interface{})
	if !ok || len(orgs) != 1 {
		t.Fatalf("Expected one attached organization, got %v", out[0]["organizations"])
	}
	org, ok := orgs[0].(Record)
	if !ok {
		t.Fatalf("Expected nested record, got %T", orgs[0])
	}
	if org["name"] != "Weber GmbH" {
		t.Errorf("Expected Weber GmbH, got %v", org["name"])
	}
}

func TestResolveDepthBound(t *testing.T) {
	resolver, loader := resolverFixture(t)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	out, err := resolver.Resolve(context.Background(), people[:1], []Include{
		{RelationField: "contacts", MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	level1, ok := out[0]["contacts"].([]interface{})
	if !ok || len(level1) != 1 {
		t.Fatalf("Expected one attached contact, got %v", out[0]["contacts"])
	}
	nested := level1[0].(Record)
	if RecordID(nested) != "p2" {
		t.Fatalf("Expected p2 nested, got %s", RecordID(nested))
	}

	// Depth exhausted: p2's own contacts stay as raw id references
	level2, ok := nested["contacts"].([]interface{})
	if !ok || len(level2) != 1 {
		t.Fatalf("Expected raw contact list, got %v", nested["contacts"])
	}
	if _, isRecord := level2[0].(Record); isRecord {
		t.Error("Expected depth 1 to stop nesting, got a record at depth 2")
	}
}

// A cycle attaches the id reference instead of nesting forever.
func TestResolveCycle(t *testing.T) {
	resolver, loader := resolverFixture(t)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	out, err := resolver.Resolve(context.Background(), people[:1], []Include{
		{RelationField: "contacts", MaxDepth: 10},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// p1 -> p2 -> p3 -> p1 closes the loop; the final hop must be the id
	p2 := out[0]["contacts"].([]interface{})[0].(Record)
	p3 := p2["contacts"].([]interface{})[0].(Record)
	back := p3["contacts"].([]interface{})[0]
	if back != "p1" {
		t.Errorf("Expected cycle to attach id reference, got %v", back)
	}
}

func TestResolveSkipsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	writeDatabase(t, dir, "people_contacts", `[
		{"id": "p1", "contacts": ["p2", "ghost"]},
		{"id": "p2"}
	]`)

	loader := NewLoader(dir, nil, nil)
	resolver := NewResolver(loader, nil, nil)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	out, err := resolver.Resolve(context.Background(), people[:1], []Include{
		{RelationField: "contacts", MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	resolved := out[0]["contacts"].([]interface{})
	if len(resolved) != 1 {
		t.Errorf("Expected missing id skipped, got %v", resolved)
	}
}

func TestResolveMissingTargetDatabase(t *testing.T) {
	resolver, loader := resolverFixture(t)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	// vehicles_assets.json does not exist; the include is skipped, not fatal
	out, err := resolver.Resolve(context.Background(), people[:1], []Include{
		{RelationField: "vehicles", MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("Expected missing target skipped, got %v", err)
	}
	if len(out) != 1 {
		t.Errorf("Expected records passed through, got %d", len(out))
	}
}

func TestResolveExplicitTargetDatabase(t *testing.T) {
	dir := t.TempDir()
	writeDatabase(t, dir, "cases_investigations", `[
		{"id": "c1", "lead_records": ["d1"]}
	]`)
	writeDatabase(t, dir, "documents_files", `[
		{"id": "d1", "title": "Evidence log"}
	]`)

	loader := NewLoader(dir, nil, nil)
	resolver := NewResolver(loader, nil, nil)
	cases, err := loader.LoadDatabase(context.Background(), "cases_investigations")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	out, err := resolver.Resolve(context.Background(), cases, []Include{
		{RelationField: "lead_records", TargetDatabase: "documents_files", MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	docs := out[0]["lead_records"].([]interface{})
	if len(docs) != 1 || docs[0].(Record)["title"] != "Evidence log" {
		t.Errorf("Expected document attached via explicit target, got %v", docs)
	}
}

// Resolution clones records so the loader's cached slice is never mutated.
func TestResolveDoesNotMutateCache(t *testing.T) {
	resolver, loader := resolverFixture(t)
	people, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), people, []Include{
		{RelationField: "contacts", MaxDepth: 2},
	}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	reloaded, err := loader.LoadDatabase(context.Background(), "people_contacts")
	if err != nil {
		t.Fatalf("LoadDatabase failed: %v", err)
	}
	raw, ok := reloaded[0]["contacts"].([]interface{})
	if !ok || len(raw) != 1 {
		t.Fatalf("Expected raw contact ids in cache, got %v", reloaded[0]["contacts"])
	}
	if _, isRecord := raw[0].(Record); isRecord {
		t.Error("Expected cached record untouched, found nested record")
	}
}
