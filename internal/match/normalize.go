package match

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Tokens turns a display string (name, login, mailbox local part) into its
// canonical token list:
//   1. strip diacritics (NFD decompose, drop non-spacing marks)
//   2. lower-case
//   3. treat '.', '_', '-', '@' and whitespace as separators
//   4. drop tokens of a single rune
func Tokens(s string) []string {
	s = strings.ToLower(stripDiacritics(s))

	fields := strings.FieldsFunc(s, isSeparator)

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			tokens = append(tokens, f)
		}
	}

	return tokens
}

// Canonical is the comparable single-string form of Tokens.
func Canonical(s string) string {
	return strings.Join(Tokens(s), " ")
}

func isSeparator(r rune) bool {
	switch r {
	case '.', '_', '-', '@':
		return true
	}
	return unicode.IsSpace(r)
}

func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))

	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}
