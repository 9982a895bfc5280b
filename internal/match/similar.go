package match

import "strings"

// Minimum length ratio for the substring fast path.
const containmentRatio = 0.7

// Similar applies the three-tier check used by every integration: exact
// (case-insensitive), substring containment at a length ratio of at least 0.7,
// then a Levenshtein distance of at most max(1, min(len)/3).
func Similar(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if a == b {
		return true
	}

	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return false
	}

	shorter, longer := a, b
	ls, ll := len(ra), len(rb)
	if ls > ll {
		shorter, longer = b, a
		ls, ll = ll, ls
	}

	if strings.Contains(longer, shorter) &&
		float64(ls)/float64(ll) >= containmentRatio {
		return true
	}

	return levenshteinRunes(ra, rb) <= maxDistance(ls)
}

func maxDistance(shortest int) int {
	d := shortest / 3
	if d < 1 {
		return 1
	}
	return d
}

// Levenshtein returns the edit distance between a and b counted in runes.
func Levenshtein(a, b string) int {
	return levenshteinRunes([]rune(a), []rune(b))
}

func levenshteinRunes(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
