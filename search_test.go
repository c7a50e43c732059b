package querycore

import (
	"strings"
	"testing"
)

func searchCorpus() []Record {
	return []Record{
		{"id": "s1", "_database": "people_contacts", "name": "Anna Weber", "description": "Analyst based in Berlin"},
		{"id": "s2", "_database": "people_contacts", "name": "John Smith", "description": "Logistics coordinator"},
		{"id": "s3", "_database": "organizations", "name": "Weber GmbH", "description": "Import and export company in Berlin"},
		{"id": "s4", "_database": "documents_files", "title": "Shipping manifest", "content": "Cargo listing for the Weber GmbH warehouse in Berlin"},
		{"id": "s5", "_database": "people_contacts", "name": "Maria Santos", "description": "No relation to the case"},
	}
}

func TestSearchRanksExactNameFirst(t *testing.T) {
	results := Search(searchCorpus(), "Anna Weber", DefaultSearchConfig())
	if len(results) == 0 {
		t.Fatal("Search returned no results")
	}
	if RecordID(results[0].Record) != "s1" {
		t.Errorf("Expected s1 ranked first, got %s", RecordID(results[0].Record))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("Expected descending scores, got %f after %f",
				results[i].Score, results[i-1].Score)
		}
	}
}

func TestSearchQuotedPhraseBoost(t *testing.T) {
	records := []Record{
		{"id": "a", "name": "Weber Anna"},
		{"id": "b", "name": "Anna Weber"},
	}
	results := Search(records, `"Anna Weber"`, DefaultSearchConfig())
	if len(results) == 0 {
		t.Fatal("Search returned no results")
	}
	if RecordID(results[0].Record) != "b" {
		t.Errorf("Expected exact phrase match ranked first, got %s", RecordID(results[0].Record))
	}
	if results[0].Score <= results[1].Score {
		t.Error("Expected phrase match to outscore token-only match")
	}
}

func TestSearchFieldWeights(t *testing.T) {
	records := []Record{
		{"id": "in_name", "name": "berlin office"},
		{"id": "in_content", "content": "berlin office"},
	}
	results := Search(records, "berlin", DefaultSearchConfig())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if RecordID(results[0].Record) != "in_name" {
		t.Error("Expected name field (weight 3.0) to outrank content (weight 1.0)")
	}
}

func TestSearchFuzzyTokens(t *testing.T) {
	records := []Record{
		{"id": "t1", "name": "Katherine Mueller"},
		{"id": "t2", "name": "Completely Unrelated"},
	}
	cfg := DefaultSearchConfig()
	results := Search(records, "Catherine Muller", cfg)
	if len(results) == 0 {
		t.Fatal("Expected fuzzy match for spelling variant")
	}
	if RecordID(results[0].Record) != "t1" {
		t.Errorf("Expected t1 first, got %s", RecordID(results[0].Record))
	}
}

func TestSearchMinScoreFilters(t *testing.T) {
	cfg := DefaultSearchConfig()
	cfg.MinScore = 0.99
	results := Search(searchCorpus(), "warehouse", cfg)
	if len(results) != 0 {
		t.Errorf("Expected MinScore 0.99 to drop weak matches, got %d results", len(results))
	}
}

func TestSearchMaxResultsCaps(t *testing.T) {
	records := make([]Record, 20)
	for i := range records {
		records[i] = Record{"id": string(rune('a' + i)), "name": "berlin"}
	}
	cfg := DefaultSearchConfig()
	cfg.MaxResults = 5
	results := Search(records, "berlin", cfg)
	if len(results) != 5 {
		t.Errorf("Expected 5 results, got %d", len(results))
	}
}

func TestSearchHighlights(t *testing.T) {
	long := "This report covers the activities of the Weber GmbH organization across Berlin and surrounding areas during the last quarter of the year"
	records := []Record{
		{"id": "h1", "description": long},
	}
	results := Search(records, "Weber", DefaultSearchConfig())
	if len(results) == 0 {
		t.Fatal("Search returned no results")
	}

	snippets := results[0].Highlights["description"]
	if len(snippets) == 0 {
		t.Fatal("Expected a highlight snippet")
	}
	if !strings.Contains(snippets[0], "Weber") {
		t.Errorf("Expected snippet to contain the match, got %q", snippets[0])
	}
	if len(snippets[0]) >= len(long) {
		t.Error("Expected snippet shorter than the source text")
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	if results := Search(searchCorpus(), "", DefaultSearchConfig()); len(results) != 0 {
		t.Errorf("Expected no results for empty query, got %d", len(results))
	}
}

func TestTokenizeQueryStopWords(t *testing.T) {
	tokens := tokenizeQuery("find all the people in Berlin", false, false)
	for _, tok := range tokens {
		if stopWords[tok] {
			t.Errorf("Expected stop word %q to be dropped", tok)
		}
	}

	// A query of only stop words keeps its tokens rather than vanishing
	tokens = tokenizeQuery("the of and", false, false)
	if len(tokens) == 0 {
		t.Error("Expected all-stopword query to keep raw tokens")
	}
}
