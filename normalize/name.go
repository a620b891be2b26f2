package normalize

import "strings"

const nameFuzzyThreshold = 0.8

// Name normalizes a spoken person name. Each token is matched exactly against
// the first-name and surname tables, then against known misrecognitions, then
// fuzzily (Jaro-Winkler >= 0.8); anything left is capitalized as heard.
// Confidence is the mean over tokens so callers can ask for a read-back.
func (n *Normalizer) Name(raw string) Entity {
	t := n.tables
	var words, heard []string
	for _, w := range Words(raw) {
		tok := Fold(w)
		if isDigits(tok) {
			continue
		}
		if _, ok := t.honorifics[tok]; ok {
			continue
		}
		if _, ok := t.nameFillers[tok]; ok {
			continue
		}
		words = append(words, tok)
		heard = append(heard, w)
	}
	if len(words) == 0 {
		return invalid(KindName, raw, ReasonEmpty)
	}

	parts := make([]string, 0, len(words))
	var total float64
	for i, w := range words {
		// the first word is most likely a given name, the rest surnames
		primary, secondary := t.firstNames, t.surnames
		if i > 0 {
			primary, secondary = t.surnames, t.firstNames
		}
		name, conf := t.matchNameToken(w, heard[i], primary, secondary)
		parts = append(parts, name)
		total += conf
	}
	return Entity{
		Kind:       KindName,
		Raw:        raw,
		Canonical:  strings.Join(parts, " "),
		Confidence: total / float64(len(words)),
		Valid:      true,
	}
}

func (t *Tables) matchNameToken(w, heard string, primary, secondary map[string]string) (string, float64) {
	if name, ok := primary[w]; ok {
		return name, 1
	}
	if name, ok := secondary[w]; ok {
		return name, 0.95
	}
	if name, ok := t.Names.Variants[w]; ok {
		return name, 0.9
	}
	best, bestScore := "", 0.0
	for _, table := range []map[string]string{primary, secondary} {
		for folded, name := range table {
			score := JaroWinkler(w, folded)
			if score > bestScore || (score == bestScore && name < best) {
				best, bestScore = name, score
			}
		}
	}
	if bestScore >= nameFuzzyThreshold {
		return best, bestScore * 0.85
	}
	return titleCase(heard), 0.5
}
