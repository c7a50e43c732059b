package querycore

import (
	"regexp"
	"strconv"
	"strings"
)

// Intent classifies what a natural-language query is asking for
type Intent string

const (
	IntentSearchEntity     Intent = "search_entity"
	IntentFindRelationship Intent = "find_relationship"
	IntentAggregateData    Intent = "aggregate_data"
	IntentFilterResults    Intent = "filter_results"
	IntentSortResults      Intent = "sort_results"
	IntentExplainEntity    Intent = "explain_entity"
	IntentCompareEntities  Intent = "compare_entities"
	IntentUnknown          Intent = "unknown"
)

// Entity is one span of interest extracted from the query text
type Entity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// ParsedQuery is the parser's output contract. Downstream consumers treat
// the confidence-weighted fields as advisory.
type ParsedQuery struct {
	Intent        Intent                 `json:"intent"`
	Entities      []Entity               `json:"entities"`
	Filters       map[string]interface{} `json:"filters"`
	SortCriteria  []SortField            `json:"sort_criteria"`
	Limit         int                    `json:"limit"`
	Relationships []string               `json:"relationships_to_include"`
	Aggregations  []string               `json:"aggregations"`
	Confidence    float64                `json:"confidence"`
	RawText       string                 `json:"raw_text"`
}

// entityPatterns recognize common literal shapes in queries and field values
var entityPatterns = map[string]*regexp.Regexp{
	"email":    regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	"phone":    regexp.MustCompile(`\+?\d[\d\s\-().]{6,}\d`),
	"date":     regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	"url":      regexp.MustCompile(`\bhttps?://[^\s]+`),
	"mention":  regexp.MustCompile(`@[A-Za-z0-9_]+`),
	"hashtag":  regexp.MustCompile(`#[A-Za-z0-9_]+`),
	"currency": regexp.MustCompile(`[$€£]\s?\d[\d,.]*|\b\d[\d,.]*\s?(?:USD|EUR|GBP)\b`),
	"number":   regexp.MustCompile(`\b\d+(?:\.\d+)?\b`),
	"person":   regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`),
	"org":      regexp.MustCompile(`\b[A-Z][A-Za-z&]*(?:\s+[A-Z][A-Za-z&]*)*\s+(?:Inc|Corp|Ltd|LLC|GmbH|Group|Company)\b`),
}

// entityDatabases maps extracted entity types to the databases most likely
// to hold them. Shared by the orchestrator (database inference) and the
// search scorer (intent bonus).
var entityDatabases = map[string]string{
	"person":   "people_contacts",
	"email":    "people_contacts",
	"phone":    "communications",
	"mention":  "communications",
	"org":      "organizations",
	"date":     "events_meetings",
	"url":      "documents_files",
	"currency": "financial_records",
}

// intentRules are checked in order; the first match wins. Most specific
// trigger first, so "compare X and Y" is not swallowed by the generic
// search patterns.
var intentRules = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentFindRelationship, regexp.MustCompile(`(?i)\b(related to|connected to|relationship|linked to|associated with|knows)\b`)},
	{IntentAggregateData, regexp.MustCompile(`(?i)\b(how many|count|total|sum|average|avg|number of)\b`)},
	{IntentCompareEntities, regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between)\b`)},
	{IntentExplainEntity, regexp.MustCompile(`(?i)\b(explain|describe|tell me about|who is|what is)\b`)},
	{IntentSortResults, regexp.MustCompile(`(?i)\b(sort(ed)? by|order(ed)? by|top \d+|latest|newest|oldest)\b`)},
	{IntentFilterResults, regexp.MustCompile(`(?i)\b(where|with|filter|only|exclude|between .+ and)\b`)},
	{IntentSearchEntity, regexp.MustCompile(`(?i)\b(find|show|search|look ?up|list|get)\b`)},
}

var (
	limitPattern  = regexp.MustCompile(`(?i)\b(?:top|first|limit)\s+(\d+)\b`)
	sortByPattern = regexp.MustCompile(`(?i)\bsort(?:ed)?\s+by\s+([a-z_][a-z0-9_.]*)(\s+desc(?:ending)?)?`)
	fieldEqPat    = regexp.MustCompile(`(?i)\b([a-z_][a-z0-9_.]*)\s*(?:=|is|equals)\s*"([^"]+)"`)
)

// Parser turns free-form text into a ParsedQuery heuristically
type Parser struct {
	logger Logger
}

// NewParser creates a natural-language query parser
func NewParser(logger Logger) *Parser {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Parser{logger: logger}
}

// Parse extracts intent, entities, filters, sort criteria and a limit from
// the text. Confidence reflects how many signals fired.
func (p *Parser) Parse(text string) *ParsedQuery {
	parsed := &ParsedQuery{
		Intent:  IntentUnknown,
		Filters: make(map[string]interface{}),
		RawText: text,
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parsed
	}

	signals := 0

	for _, rule := range intentRules {
		if rule.pattern.MatchString(trimmed) {
			parsed.Intent = rule.intent
			signals++
			break
		}
	}

	parsed.Entities = extractEntities(trimmed)
	if len(parsed.Entities) > 0 {
		signals++
	}

	if m := limitPattern.FindStringSubmatch(trimmed); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			parsed.Limit = n
			signals++
		}
	}

	if m := sortByPattern.FindStringSubmatch(trimmed); m != nil {
		order := SortAsc
		if m[2] != "" {
			order = SortDesc
		}
		parsed.SortCriteria = append(parsed.SortCriteria, SortField{Field: m[1], Order: order})
		signals++
	}

	for _, m := range fieldEqPat.FindAllStringSubmatch(trimmed, -1) {
		parsed.Filters[strings.ToLower(m[1])] = m[2]
		signals++
	}

	if parsed.Intent == IntentFindRelationship {
		for _, e := range parsed.Entities {
			if e.Type == "person" || e.Type == "org" {
				parsed.Relationships = append(parsed.Relationships, e.Text)
			}
		}
	}
	if parsed.Intent == IntentAggregateData {
		parsed.Aggregations = append(parsed.Aggregations, "count")
	}

	// Cap confidence at 0.95: heuristics are never certain
	parsed.Confidence = float64(signals) * 0.2
	if parsed.Confidence > 0.95 {
		parsed.Confidence = 0.95
	}

	p.logger.Debug("parsed natural language query",
		"intent", string(parsed.Intent),
		"entities", len(parsed.Entities),
		"confidence", parsed.Confidence,
	)

	return parsed
}

// extractEntities runs every entity pattern over the text. Person/org
// patterns overlap the literal ones, so literal matches are collected
// first and capitalized-name matches skip claimed spans.
func extractEntities(text string) []Entity {
	var entities []Entity
	claimed := make([][2]int, 0, 8)

	// Dates before phones: the phone class would otherwise claim ISO dates
	order := []string{"email", "url", "currency", "date", "phone", "mention", "hashtag", "org", "person", "number"}
	for _, typ := range order {
		re := entityPatterns[typ]
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if overlapsAny(loc[0], loc[1], claimed) {
				continue
			}
			confidence := 0.9
			if typ == "person" || typ == "org" || typ == "number" {
				confidence = 0.6
			}
			entities = append(entities, Entity{
				Text:       text[loc[0]:loc[1]],
				Type:       typ,
				Confidence: confidence,
				Start:      loc[0],
				End:        loc[1],
			})
			claimed = append(claimed, [2]int{loc[0], loc[1]})
		}
	}
	return entities
}

func overlapsAny(start, end int, claimed [][2]int) bool {
	for _, span := range claimed {
		if start < span[1] && end > span[0] {
			return true
		}
	}
	return false
}

// InferDatabase picks the database a parsed query most likely targets,
// based on its highest-confidence entity with a known mapping.
func (q *ParsedQuery) InferDatabase() string {
	best := ""
	bestConf := 0.0
	for _, e := range q.Entities {
		db, ok := entityDatabases[e.Type]
		if !ok {
			continue
		}
		if e.Confidence > bestConf {
			best = db
			bestConf = e.Confidence
		}
	}
	return best
}

// ToStructured converts the parsed output into a structured query the
// orchestrator can execute. The raw text is carried as the source query so
// the search scorer ranks candidates.
func (q *ParsedQuery) ToStructured() *StructuredQuery {
	sq := &StructuredQuery{
		Database:    q.InferDatabase(),
		SortFields:  q.SortCriteria,
		SourceQuery: q.RawText,
	}
	if q.Limit > 0 {
		sq.PageSize = q.Limit
	}
	for field, value := range q.Filters {
		sq.Filters = append(sq.Filters, Filter{
			Field:    field,
			Operator: OpEq,
			Value:    value,
		})
	}
	sq.Normalize()
	return sq
}
