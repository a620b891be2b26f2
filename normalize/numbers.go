package normalize

import (
	"strconv"
	"strings"
)

// spelledNumber reads a spoken number starting at tokens[i]: a digit run, a
// unit, a teen, a tens word, or a compound joined by "si"/"and" or a hyphen
// ("douazeci si doi", "twenty-two"). A tens word directly followed by a unit
// is two numbers, as when digits are dictated one by one.
func (t *Tables) spelledNumber(tokens []string, i int) (value, consumed int, ok bool) {
	if i >= len(tokens) {
		return 0, 0, false
	}
	tok := tokens[i]
	if isDigits(tok) {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return 0, 0, false
		}
		return v, 1, true
	}
	if head, tail, ok := strings.Cut(tok, "-"); ok {
		v, vok := t.Numbers.Tens[head]
		u, uok := t.Numbers.Units[tail]
		if vok && uok && u > 0 {
			return v + u, 1, true
		}
	}
	if v, ok := t.Numbers.Teens[tok]; ok {
		return v, 1, true
	}
	if v, ok := t.Numbers.Tens[tok]; ok {
		if i+2 < len(tokens) && (tokens[i+1] == "si" || tokens[i+1] == "and") {
			if u, ok := t.Numbers.Units[tokens[i+2]]; ok && u > 0 {
				return v + u, 3, true
			}
		}
		return v, 1, true
	}
	if v, ok := t.Numbers.Units[tok]; ok {
		return v, 1, true
	}
	return 0, 0, false
}
