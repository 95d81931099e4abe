package knowledge

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Placeholders substituted for record-specific identifiers in signatures.
const (
	PlaceholderNumber = "<n>"
	PlaceholderID     = "<id>"
)

// Normalize trims, lowercases and collapses internal whitespace to single spaces.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// Signature generalizes an action into the key used to group repeated work.
// On top of Normalize it strips punctuation at token edges and replaces any
// token carrying a digit: all-digit tokens become <n>, mixed tokens (pod
// suffixes, ULIDs, hashes, versions) become <id>.
//
//	"Restart failing pod web-7d9f8c-x2k." -> "restart failing pod <id>"
func Signature(action string) string {
	return strings.Join(Tokens(action), " ")
}

// Tokens returns the generalized tokens of s, in order.
func Tokens(s string) []string {
	words := Words(s)
	for i, w := range words {
		words[i] = generalizeToken(w)
	}
	return words
}

// Words returns the normalized words of s with edge punctuation stripped but
// identifiers left intact. Keyword classification matches against these.
func Words(s string) []string {
	fields := strings.Fields(Normalize(s))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, isEdgePunct)
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

// Jaccard returns the token-set similarity of two signatures in [0, 1].
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

func tokenSet(sig string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(sig) {
		set[t] = true
	}
	return set
}

func generalizeToken(tok string) string {
	if tok == PlaceholderNumber || tok == PlaceholderID {
		return tok
	}
	digits, others := 0, 0
	for _, r := range tok {
		if unicode.IsDigit(r) {
			digits++
		} else {
			others++
		}
	}
	switch {
	case digits == 0:
		return tok
	case others == 0:
		return PlaceholderNumber
	default:
		return PlaceholderID
	}
}

func isEdgePunct(r rune) bool {
	return unicode.IsPunct(r) && r != '<' && r != '>' && r != '_' && r != '/'
}
