package querycore

import (
	"regexp"
	"sort"
	"strings"
)

// SearchMode selects how aggressively the scorer matches tokens
type SearchMode string

const (
	SearchExact    SearchMode = "exact"
	SearchFuzzy    SearchMode = "fuzzy"
	SearchPhonetic SearchMode = "phonetic"
	SearchSemantic SearchMode = "semantic"
)

// SearchConfig tunes the relevance scorer
type SearchConfig struct {
	Mode            SearchMode
	MinScore        float64
	MaxResults      int
	FieldWeights    map[string]float64
	FuzzyThreshold  float64
	CaseSensitive   bool
	KeepStopWords   bool
	ContextChars    int
	IntentDatabases map[string]string // entity type -> database, defaults to the parser's mapping
}

// DefaultSearchConfig returns the scorer defaults: fuzzy mode, common text
// fields weighted toward names and titles.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Mode:       SearchFuzzy,
		MinScore:   0.05,
		MaxResults: 100,
		FieldWeights: map[string]float64{
			"name":        3.0,
			"title":       3.0,
			"description": 1.5,
			"content":     1.0,
			"notes":       1.0,
			"email":       2.0,
			"tags":        1.5,
		},
		FuzzyThreshold: 0.8,
		ContextChars:   40,
	}
}

// SearchResult pairs a record with its relevance score and highlights
type SearchResult struct {
	Record     Record              `json:"record"`
	Score      float64             `json:"score"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}

// stopWords is the fixed stop-word set dropped during tokenization
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "who": true, "what": true, "where": true,
	"find": true, "show": true, "all": true, "me": true,
}

// synonyms expand query tokens at reduced weight
var synonyms = map[string][]string{
	"person":  {"individual", "contact", "people"},
	"company": {"organization", "org", "firm", "business"},
	"phone":   {"telephone", "mobile", "cell"},
	"email":   {"mail", "address"},
	"meeting": {"event", "appointment"},
	"car":     {"vehicle", "automobile"},
	"money":   {"funds", "payment", "cash"},
	"house":   {"residence", "home", "property"},
}

var quotedPhrasePattern = regexp.MustCompile(`"([^"]+)"`)

// tokenizeQuery splits on non-alphanumeric boundaries and drops stop words,
// unless dropping them would empty the token list.
func tokenizeQuery(text string, caseSensitive, keepStopWords bool) []string {
	if !caseSensitive {
		text = strings.ToLower(text)
	}
	raw := splitTokens(text)
	if keepStopWords {
		return raw
	}

	kept := make([]string, 0, len(raw))
	for _, tok := range raw {
		if !stopWords[strings.ToLower(tok)] {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return raw
	}
	return kept
}

// Search scores records against the query text and returns matches sorted
// by descending relevance, capped at MaxResults.
func Search(records []Record, query string, cfg SearchConfig) []SearchResult {
	if len(cfg.FieldWeights) == 0 {
		cfg.FieldWeights = DefaultSearchConfig().FieldWeights
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = 0.8
	}
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = 40
	}

	tokens := tokenizeQuery(query, cfg.CaseSensitive, cfg.KeepStopWords)
	if len(tokens) == 0 {
		return nil
	}

	phrases := quotedPhrasePattern.FindAllStringSubmatch(query, -1)
	grams := queryNgrams(tokens)
	intent := classifyQueryIntent(query)

	maxWeight := 0.0
	for _, w := range cfg.FieldWeights {
		if w > maxWeight {
			maxWeight = w
		}
	}
	maxPossible := float64(len(tokens)) * maxWeight * 5
	if maxPossible == 0 {
		return nil
	}

	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		score, highlights := scoreRecord(rec, tokens, phrases, grams, intent, cfg)
		normalized := score / maxPossible
		if normalized > 1 {
			normalized = 1
		}
		if normalized < cfg.MinScore {
			continue
		}
		results = append(results, SearchResult{
			Record:     rec,
			Score:      normalized,
			Highlights: highlights,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if cfg.MaxResults > 0 && len(results) > cfg.MaxResults {
		results = results[:cfg.MaxResults]
	}
	return results
}

// scoreRecord accumulates the weighted match score of one record
func scoreRecord(rec Record, tokens []string, phrases [][]string, grams []string, intent Intent, cfg SearchConfig) (float64, map[string][]string) {
	score := 0.0
	highlights := make(map[string][]string)

	for field, weight := range cfg.FieldWeights {
		raw := ResolveField(rec, field)
		if IsNullValue(raw) {
			continue
		}
		text := Stringify(raw)
		folded := text
		if !cfg.CaseSensitive {
			folded = strings.ToLower(text)
		}
		fieldTokens := splitTokens(folded)

		// Exact quoted phrases
		for _, m := range phrases {
			phrase := m[1]
			if !cfg.CaseSensitive {
				phrase = strings.ToLower(phrase)
			}
			if strings.Contains(folded, phrase) {
				score += 5 * weight
			}
		}

		// Token overlap with positional decay
		for _, qt := range tokens {
			for pos, ft := range fieldTokens {
				if qt == ft {
					score += weight * (1 / (1 + 0.1*float64(pos)))
					addHighlight(highlights, field, text, qt, cfg.ContextChars)
					break
				}
			}
		}

		// Synonym expansion at reduced weight
		if cfg.Mode != SearchExact {
			for _, qt := range tokens {
				for _, syn := range synonyms[qt] {
					for pos, ft := range fieldTokens {
						if syn == ft {
							score += 0.8 * weight * (1 / (1 + 0.1*float64(pos)))
							break
						}
					}
				}
			}
		}

		// Fuzzy / phonetic token matching
		switch cfg.Mode {
		case SearchFuzzy, SearchSemantic:
			for _, qt := range tokens {
				best := 0.0
				for _, ft := range fieldTokens {
					if qt == ft {
						best = 0 // exact already counted
						break
					}
					if s := CombinedSimilarity(qt, ft); s > best {
						best = s
					}
				}
				if best >= cfg.FuzzyThreshold {
					score += weight * best * 0.7
					addHighlight(highlights, field, text, qt, cfg.ContextChars)
				}
			}
		case SearchPhonetic:
			for _, qt := range tokens {
				for _, ft := range fieldTokens {
					if qt != ft && soundex(qt) == soundex(ft) {
						score += weight * 0.7
						break
					}
				}
			}
		}

		// Phrase n-grams from the query
		for _, gram := range grams {
			if strings.Contains(folded, gram) {
				score += weight * 2
			}
		}

		// Entity-pattern presence
		for typ, re := range entityPatterns {
			if typ == "number" || typ == "person" {
				continue // too common to reward
			}
			if re.MatchString(text) {
				score += 3
				break
			}
		}
	}

	// Intent bonus when the query's intent matches the record's database
	if intent != IntentUnknown {
		if db, ok := rec[FieldDatabase].(string); ok {
			if intentMatchesDatabase(intent, db) {
				score += 3
			}
		}
	}

	if len(highlights) == 0 {
		highlights = nil
	}
	return score, highlights
}

// queryNgrams builds 2- and 3-token phrases from the query, skipping grams
// made only of stop words.
func queryNgrams(tokens []string) []string {
	var grams []string
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			allStop := true
			for _, tok := range tokens[i : i+n] {
				if !stopWords[tok] {
					allStop = false
					break
				}
			}
			if allStop {
				continue
			}
			grams = append(grams, strings.Join(tokens[i:i+n], " "))
		}
	}
	return grams
}

// classifyQueryIntent reuses the NL parser's intent rules
func classifyQueryIntent(query string) Intent {
	for _, rule := range intentRules {
		if rule.pattern.MatchString(query) {
			return rule.intent
		}
	}
	return IntentUnknown
}

// intentMatchesDatabase rewards records from the database an intent implies
func intentMatchesDatabase(intent Intent, database string) bool {
	switch intent {
	case IntentSearchEntity, IntentExplainEntity:
		return database == "people_contacts" || database == "organizations"
	case IntentFindRelationship:
		return database == "people_contacts"
	case IntentAggregateData:
		return database == "financial_records" || database == "events_meetings"
	}
	return false
}

// addHighlight records up to 3 snippets per field around the first match of
// a token, trimmed to word boundaries and ellipsis-padded.
func addHighlight(highlights map[string][]string, field, text, token string, contextChars int) {
	if len(highlights[field]) >= 3 {
		return
	}

	idx := strings.Index(strings.ToLower(text), strings.ToLower(token))
	if idx < 0 {
		return
	}

	start := idx - contextChars
	if start < 0 {
		start = 0
	}
	end := idx + len(token) + contextChars
	if end > len(text) {
		end = len(text)
	}

	// Trim to word boundaries
	if start > 0 {
		if sp := strings.IndexByte(text[start:idx], ' '); sp >= 0 {
			start += sp + 1
		}
	}
	if end < len(text) {
		if sp := strings.LastIndexByte(text[idx:end], ' '); sp >= 0 {
			end = idx + sp
		}
	}

	snippet := text[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet = snippet + "..."
	}

	for _, existing := range highlights[field] {
		if existing == snippet {
			return
		}
	}
	highlights[field] = append(highlights[field], snippet)
}
