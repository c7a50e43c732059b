package querycore

import (
	"strings"
	"unicode"
)

// DefaultFuzzyThreshold is the similarity bound for fuzzy filters when the
// caller does not provide one.
const DefaultFuzzyThreshold = 0.7

// CombinedSimilarity scores two strings as the mean of four measures:
// Levenshtein ratio, Jaro-Winkler, bigram overlap, and soundex agreement.
// Result is in [0, 1].
func CombinedSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	lev := levenshteinRatio(a, b)
	jw := jaroWinkler(a, b)
	ng := ngramSimilarity(a, b, 2)
	sx := 0.0
	if soundex(a) == soundex(b) {
		sx = 1.0
	}

	return (lev + jw + ng + sx) / 4
}

// fuzzyMatch compares multi-word strings token by token: each query token is
// scored against its best counterpart and the token scores are averaged.
func fuzzyMatch(value, query string, threshold float64) bool {
	valueTokens := splitTokens(value)
	queryTokens := splitTokens(query)
	if len(queryTokens) == 0 {
		return false
	}
	if len(valueTokens) == 0 {
		return CombinedSimilarity(value, query) >= threshold
	}

	total := 0.0
	for _, qt := range queryTokens {
		best := 0.0
		for _, vt := range valueTokens {
			if s := CombinedSimilarity(vt, qt); s > best {
				best = s
			}
		}
		total += best
	}
	return total/float64(len(queryTokens)) >= threshold
}

// levenshteinRatio is 1 - distance/maxLen
func levenshteinRatio(a, b string) float64 {
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// levenshtein computes edit distance with a two-row table
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// jaroWinkler applies the standard prefix boost (scale 0.1, max prefix 4)
// on top of the Jaro similarity.
func jaroWinkler(a, b string) float64 {
	jaro := jaroSimilarity(a, b)
	if jaro < 0.7 {
		return jaro
	}

	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}

func jaroSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}

	window := maxInt(la, lb)/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, la)
	matchedB := make([]bool, lb)
	matches := 0

	for i := 0; i < la; i++ {
		lo := maxInt(0, i-window)
		hi := minInt2(lb-1, i+window)
		for j := lo; j <= hi; j++ {
			if matchedB[j] || ra[i] != rb[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	// Count transpositions among matched characters
	transpositions := 0
	k := 0
	for i := 0; i < la; i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[k] {
			k++
		}
		if ra[i] != rb[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(la) + m/float64(lb) + (m-t)/m) / 3
}

// ngramSimilarity is Dice overlap of character n-grams
func ngramSimilarity(a, b string, n int) float64 {
	gramsA := charNgrams(a, n)
	gramsB := charNgrams(b, n)
	if len(gramsA) == 0 || len(gramsB) == 0 {
		return 0
	}

	setA := make(map[string]int, len(gramsA))
	for _, g := range gramsA {
		setA[g]++
	}
	overlap := 0
	for _, g := range gramsB {
		if setA[g] > 0 {
			setA[g]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(gramsA)+len(gramsB))
}

func charNgrams(s string, n int) []string {
	runes := []rune(s)
	if len(runes) < n {
		if len(runes) == 0 {
			return nil
		}
		return []string{string(runes)}
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

// soundex implements the classic 4-character American Soundex code
func soundex(s string) string {
	s = strings.ToUpper(s)
	cleaned := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}

	code := []rune{cleaned[0]}
	prev := soundexDigit(cleaned[0])
	for _, r := range cleaned[1:] {
		d := soundexDigit(r)
		if d != 0 && d != prev {
			code = append(code, rune('0'+d))
			if len(code) == 4 {
				break
			}
		}
		if r != 'H' && r != 'W' {
			prev = d
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

func soundexDigit(r rune) int {
	switch r {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	}
	return 0
}

// splitTokens splits on non-alphanumeric boundaries
func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func minInt(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func minInt2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
