package querycore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Records arrive from encoding/json as untyped values: nil, bool, float64,
// string, []interface{} and map[string]interface{}. Kind tags that shape so
// operators can dispatch on the pair of tags instead of sprinkling type
// switches through the filter engine.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindDateTime:
		return "datetime"
	}
	return "unknown"
}

// KindOf returns the tag for a decoded JSON value
func KindOf(v interface{}) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int32, int64, json.Number:
		return KindNumber
	case string:
		return KindString
	case []interface{}:
		return KindList
	case map[string]interface{}:
		return KindMap
	case time.Time:
		return KindDateTime
	}
	return KindNull
}

// IsNullValue reports the null-ness used by is_null / is_not_null:
// nil, empty string, and empty list all count as null.
func IsNullValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	}
	return false
}

// ToNumber coerces a value to float64 where possible
func ToNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// dateLayouts are tried in order when parsing date strings for range comparison
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ToTime parses an ISO-8601 flavored date string
func ToTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Stringify renders any value for text matching and CSV cells.
// Maps and lists are JSON-encoded, scalars use their natural form.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}, map[string]interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// CompareValues orders two values for sorting and range filters.
// Returns -1, 0, or 1. Ordering rules:
//   - both coercible to number: numeric order
//   - both parse as ISO-8601 dates: chronological order
//   - otherwise: lexicographic on the string form
//
// Null ordering is handled by the sort engine's null bucket, not here.
func CompareValues(a, b interface{}, caseSensitive bool) int {
	if na, ok := ToNumberStrict(a); ok {
		if nb, ok := ToNumberStrict(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}

	if ta, ok := ToTime(a); ok {
		if tb, ok := ToTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			}
			return 0
		}
	}

	sa, sb := Stringify(a), Stringify(b)
	if !caseSensitive {
		sa, sb = strings.ToLower(sa), strings.ToLower(sb)
	}
	return strings.Compare(sa, sb)
}

// ToNumberStrict is ToNumber without string coercion, so "abc" vs "abd"
// compares lexicographically instead of failing a parse on both sides.
func ToNumberStrict(v interface{}) (float64, bool) {
	if _, isStr := v.(string); isStr {
		return 0, false
	}
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	return ToNumber(v)
}

// ValuesEqual applies type-preserving equality with optional case folding
// for string pairs.
func ValuesEqual(a, b interface{}, caseSensitive bool) bool {
	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if caseSensitive {
			return sa == sb
		}
		return strings.EqualFold(sa, sb)
	}

	if na, ok := ToNumberStrict(a); ok {
		if nb, ok := ToNumberStrict(b); ok {
			return na == nb
		}
	}

	// Mixed string/number pairs: compare numerically when the string parses
	if aIsStr != bIsStr {
		if na, ok := ToNumber(a); ok {
			if nb, ok := ToNumber(b); ok {
				return na == nb
			}
		}
		return false
	}

	return Stringify(a) == Stringify(b)
}

// ResolveField walks a dot-notation path through a record. Each step descends
// into a map by key or into a list by integer index; anything else yields nil.
func ResolveField(record map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	var current interface{} = record
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			val, ok := node[part]
			if !ok {
				return nil
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}
