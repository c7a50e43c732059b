package querycore

import (
	"testing"
)

func TestParseIntents(t *testing.T) {
	p := NewParser(nil)

	tests := []struct {
		text string
		want Intent
	}{
		{"find people in Berlin", IntentSearchEntity},
		{"who is connected to Anna Weber", IntentFindRelationship},
		{"how many meetings happened in June", IntentAggregateData},
		{"compare Weber GmbH and Acme Corp", IntentCompareEntities},
		{"tell me about Weber GmbH", IntentExplainEntity},
		{"people sorted by age", IntentSortResults},
		{"only records where city is Berlin", IntentFilterResults},
		{"qwerty asdf", IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := p.Parse(tt.text)
			if got.Intent != tt.want {
				t.Errorf("Expected intent %s, got %s", tt.want, got.Intent)
			}
		})
	}
}

// The first matching rule wins, so relationship phrasing is not swallowed
// by the generic search verbs.
func TestParseIntentPrecedence(t *testing.T) {
	p := NewParser(nil)
	got := p.Parse("find everyone related to John Smith")
	if got.Intent != IntentFindRelationship {
		t.Errorf("Expected find_relationship, got %s", got.Intent)
	}
}

func TestParseEntities(t *testing.T) {
	p := NewParser(nil)
	parsed := p.Parse("find anna.weber@example.org or call +49 30 901820 before 2024-06-01")

	types := make(map[string]string)
	for _, e := range parsed.Entities {
		types[e.Type] = e.Text
	}

	if types["email"] != "anna.weber@example.org" {
		t.Errorf("Expected email entity, got %v", parsed.Entities)
	}
	if _, ok := types["phone"]; !ok {
		t.Errorf("Expected phone entity, got %v", parsed.Entities)
	}
	if types["date"] != "2024-06-01" {
		t.Errorf("Expected date entity, got %v", parsed.Entities)
	}
}

func TestParseEntitiesNoOverlap(t *testing.T) {
	p := NewParser(nil)
	parsed := p.Parse("contact anna.weber@example.org")

	// The email must not additionally surface as a number or person span
	for _, e := range parsed.Entities {
		if e.Type != "email" {
			for _, other := range parsed.Entities {
				if other.Type == "email" && e.Start < other.End && e.End > other.Start {
					t.Errorf("Entity %v overlaps the email span", e)
				}
			}
		}
	}
}

func TestParseLimitAndSort(t *testing.T) {
	p := NewParser(nil)
	parsed := p.Parse("show top 25 people sorted by last_seen descending")

	if parsed.Limit != 25 {
		t.Errorf("Expected limit 25, got %d", parsed.Limit)
	}
	if len(parsed.SortCriteria) != 1 {
		t.Fatalf("Expected one sort key, got %d", len(parsed.SortCriteria))
	}
	if parsed.SortCriteria[0].Field != "last_seen" || parsed.SortCriteria[0].Order != SortDesc {
		t.Errorf("Expected last_seen desc, got %+v", parsed.SortCriteria[0])
	}
}

func TestParseFieldEquality(t *testing.T) {
	p := NewParser(nil)
	parsed := p.Parse(`find people where city = "Berlin"`)

	if parsed.Filters["city"] != "Berlin" {
		t.Errorf("Expected city filter, got %v", parsed.Filters)
	}
}

func TestParseConfidenceBounds(t *testing.T) {
	p := NewParser(nil)

	empty := p.Parse("")
	if empty.Confidence != 0 {
		t.Errorf("Expected zero confidence for empty text, got %f", empty.Confidence)
	}

	rich := p.Parse(`find top 10 people sorted by age where city = "Berlin" near anna.weber@example.org`)
	if rich.Confidence <= 0.5 {
		t.Errorf("Expected high confidence for signal-rich query, got %f", rich.Confidence)
	}
	if rich.Confidence > 0.95 {
		t.Errorf("Expected confidence capped at 0.95, got %f", rich.Confidence)
	}
}

func TestInferDatabase(t *testing.T) {
	p := NewParser(nil)

	tests := []struct {
		text string
		want string
	}{
		{"find anna.weber@example.org", "people_contacts"},
		{"payments of $5,000", "financial_records"},
		{"look at https://example.org/report.pdf", "documents_files"},
	}
	for _, tt := range tests {
		parsed := p.Parse(tt.text)
		if got := parsed.InferDatabase(); got != tt.want {
			t.Errorf("InferDatabase(%q): expected %s, got %s", tt.text, tt.want, got)
		}
	}
}

func TestToStructured(t *testing.T) {
	p := NewParser(nil)
	parsed := p.Parse(`find top 5 people sorted by age where city = "Berlin" for anna.weber@example.org`)
	sq := parsed.ToStructured()

	if sq.Database != "people_contacts" {
		t.Errorf("Expected people_contacts, got %s", sq.Database)
	}
	if sq.PageSize != 5 {
		t.Errorf("Expected page size 5 from limit, got %d", sq.PageSize)
	}
	if len(sq.Filters) != 1 || sq.Filters[0].Field != "city" || sq.Filters[0].Operator != OpEq {
		t.Errorf("Expected one eq filter on city, got %+v", sq.Filters)
	}
	if sq.SourceQuery == "" {
		t.Error("Expected raw text carried as source query")
	}
	if sq.Page != 1 {
		t.Errorf("Expected normalized page 1, got %d", sq.Page)
	}
}
