package relay

import (
	"strings"
	"unicode"
)

// Tokenize lower-cases text, drops characters that are neither word
// characters nor whitespace, and splits on whitespace.
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Fields(b.String())
}
