package querycore

import (
	"regexp"
	"strings"
	"sync"
)

// regexCache compiles each distinct pattern once. Keyed on pattern plus the
// case flag, since the flag changes the compiled expression.
var regexCache sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}
	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		return nil, WithContext(ErrBadRegex, map[string]interface{}{
			"pattern": pattern,
			"reason":  err.Error(),
		})
	}
	regexCache.Store(key, re)
	return re, nil
}

// ApplyFilters returns the records satisfying every filter in the list.
// Filter order never changes the result set, only the work done.
func ApplyFilters(records []Record, filters []Filter) ([]Record, error) {
	if len(filters) == 0 {
		return records, nil
	}

	// Validate shapes and compile regexes up front so a malformed filter
	// fails before any record is touched.
	for _, f := range filters {
		if err := validateFilter(f); err != nil {
			return nil, err
		}
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		keep := true
		for _, f := range filters {
			match, err := matchFilter(rec, f)
			if err != nil {
				return nil, err
			}
			if !match {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out, nil
}

// validateFilter checks operator/value shape constraints
func validateFilter(f Filter) error {
	switch f.Operator {
	case OpIn, OpNotIn:
		if _, ok := f.Value.([]interface{}); !ok {
			return WithContext(ErrBadFilterShape, map[string]interface{}{
				"field":    f.Field,
				"operator": string(f.Operator),
				"reason":   "value must be a sequence",
			})
		}
	case OpBetween:
		bounds, ok := f.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return WithContext(ErrBadFilterShape, map[string]interface{}{
				"field":    f.Field,
				"operator": string(f.Operator),
				"reason":   "value must be a 2-sequence",
			})
		}
	case OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			return WithContext(ErrBadFilterShape, map[string]interface{}{
				"field":    f.Field,
				"operator": string(f.Operator),
				"reason":   "value must be a pattern string",
			})
		}
		if _, err := compilePattern(pattern, f.CaseSensitive); err != nil {
			return err
		}
	}
	return nil
}

// matchFilter evaluates one predicate against one record
func matchFilter(rec Record, f Filter) (bool, error) {
	val := ResolveField(rec, f.Field)

	switch f.Operator {
	case OpEq:
		return ValuesEqual(val, f.Value, f.CaseSensitive), nil
	case OpNe:
		return !ValuesEqual(val, f.Value, f.CaseSensitive), nil

	case OpContains:
		return containsValue(val, f.Value, f.CaseSensitive), nil
	case OpNotContains:
		return !containsValue(val, f.Value, f.CaseSensitive), nil

	case OpIn:
		return inSet(val, f.Value.([]interface{}), f.CaseSensitive), nil
	case OpNotIn:
		return !inSet(val, f.Value.([]interface{}), f.CaseSensitive), nil

	case OpStartsWith:
		s, sub := foldPair(Stringify(val), Stringify(f.Value), f.CaseSensitive)
		return sub != "" && strings.HasPrefix(s, sub), nil
	case OpEndsWith:
		s, sub := foldPair(Stringify(val), Stringify(f.Value), f.CaseSensitive)
		return sub != "" && strings.HasSuffix(s, sub), nil

	case OpGt, OpGte, OpLt, OpLte:
		if IsNullValue(val) {
			return false, nil
		}
		cmp := CompareValues(val, f.Value, f.CaseSensitive)
		switch f.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case OpBetween:
		if IsNullValue(val) {
			return false, nil
		}
		bounds := f.Value.([]interface{})
		return CompareValues(val, bounds[0], f.CaseSensitive) >= 0 &&
			CompareValues(val, bounds[1], f.CaseSensitive) <= 0, nil

	case OpIsNull:
		return IsNullValue(val), nil
	case OpIsNotNull:
		return !IsNullValue(val), nil

	case OpRegex:
		re, err := compilePattern(f.Value.(string), f.CaseSensitive)
		if err != nil {
			return false, err
		}
		return re.MatchString(Stringify(val)), nil

	case OpFuzzy:
		threshold := f.FuzzyThreshold
		if threshold <= 0 {
			threshold = DefaultFuzzyThreshold
		}
		return fuzzyMatch(Stringify(val), Stringify(f.Value), threshold), nil
	}

	return false, WithContext(ErrBadFilterShape, map[string]interface{}{
		"operator": string(f.Operator),
		"reason":   "unknown operator",
	})
}

// containsValue is substring match for strings, membership for lists
func containsValue(haystack, needle interface{}, caseSensitive bool) bool {
	if list, ok := haystack.([]interface{}); ok {
		for _, item := range list {
			if ValuesEqual(item, needle, caseSensitive) {
				return true
			}
		}
		return false
	}
	s, sub := foldPair(Stringify(haystack), Stringify(needle), caseSensitive)
	return sub != "" && strings.Contains(s, sub)
}

// inSet is set membership of the resolved value in the filter value sequence
func inSet(val interface{}, set []interface{}, caseSensitive bool) bool {
	for _, item := range set {
		if ValuesEqual(val, item, caseSensitive) {
			return true
		}
	}
	return false
}

func foldPair(a, b string, caseSensitive bool) (string, string) {
	if caseSensitive {
		return a, b
	}
	return strings.ToLower(a), strings.ToLower(b)
}

// defaultSelectivity estimates the fraction of rows surviving an operator
// when no table statistics are available.
func defaultSelectivity(op Operator) float64 {
	switch op {
	case OpEq:
		return 0.1
	case OpNe:
		return 0.9
	case OpContains:
		return 0.3
	case OpNotContains:
		return 0.7
	case OpIn:
		return 0.2
	case OpNotIn:
		return 0.8
	case OpStartsWith, OpEndsWith:
		return 0.7
	case OpGt, OpLt:
		return 0.3
	case OpGte, OpLte:
		return 0.5
	case OpBetween:
		return 0.25
	case OpIsNull:
		return 0.05
	case OpIsNotNull:
		return 0.95
	case OpRegex:
		return 0.15
	case OpFuzzy:
		return 0.2
	}
	return 0.5
}

// operatorCost is the relative per-row evaluation cost of an operator
func operatorCost(op Operator) float64 {
	switch op {
	case OpRegex:
		return 15
	case OpFuzzy:
		return 10
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		return 3
	case OpIn, OpNotIn, OpBetween:
		return 2
	default:
		return 1
	}
}
