package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics, so "Mâine" and "maine" compare
// equal. Both comma-below and cedilla forms of ș and ț fold to s and t.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokens folds s and splits it into letter/digit runs.
func Tokens(s string) []string {
	words := Words(s)
	for i, w := range words {
		words[i] = Fold(w)
	}
	return words
}

// Words splits s into letter/digit runs without folding. Hyphens inside a
// word are kept ("dupa-amiaza"); a leading plus sign is kept on digit runs.
func Words(s string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if w := strings.Trim(cur.String(), "-"); w != "" {
			words = append(words, w)
		}
		cur.Reset()
	}
	rs := []rune(s)
	for i, r := range rs {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
			cur.WriteRune(r)
		case r == '-' && cur.Len() > 0 && i+1 < len(rs) && unicode.IsLetter(rs[i+1]):
			cur.WriteRune(r)
		case r == '+' && cur.Len() == 0 && i+1 < len(rs) && unicode.IsDigit(rs[i+1]):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// titleCase capitalizes each hyphen-separated part of a name.
func titleCase(word string) string {
	parts := strings.Split(strings.ToLower(word), "-")
	for i, p := range parts {
		rs := []rune(p)
		if len(rs) == 0 {
			continue
		}
		rs[0] = unicode.ToUpper(rs[0])
		parts[i] = string(rs)
	}
	return strings.Join(parts, "-")
}
