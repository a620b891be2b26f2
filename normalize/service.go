package normalize

import (
	"sort"
	"strings"
)

const (
	serviceFloor      = 0.7
	suggestionFloor   = 0.35
	maxSuggestions    = 3
	serviceFuzzyFloor = 0.85
	// similarities below the fuzzy floor only ever produce suggestions
	suggestionSimilarity = 0.7
)

// Service matches a spoken service name against the built-in catalog.
func (n *Normalizer) Service(raw string) Entity {
	return MatchService(raw, n.tables.Services)
}

// ServiceIn matches against a business's own service names. Each name borrows
// the vocabulary of the closest built-in entry, so "Tuns damă" is still found
// from "tunsoare".
func (n *Normalizer) ServiceIn(raw string, names []string) Entity {
	catalog := make([]ServiceEntry, 0, len(names))
	for _, name := range names {
		entry := ServiceEntry{Key: name, Name: name}
		if base, ok := n.closestEntry(name); ok {
			entry.Variations = base.Variations
			entry.Keywords = base.Keywords
			entry.Phonetic = base.Phonetic
			entry.DurationMinutes = base.DurationMinutes
		}
		catalog = append(catalog, entry)
	}
	return MatchService(raw, catalog)
}

func (n *Normalizer) closestEntry(name string) (ServiceEntry, bool) {
	e := MatchService(name, n.tables.Services)
	if !e.Valid {
		return ServiceEntry{}, false
	}
	for _, entry := range n.tables.Services {
		if entry.Key == e.Detail {
			return entry, true
		}
	}
	return ServiceEntry{}, false
}

// MatchService runs the layered match: exact key or name, known variation,
// fuzzy similarity, keyword overlap, phonetic variant. The best score at or
// above the floor wins; otherwise ranked suggestions are returned.
func MatchService(raw string, catalog []ServiceEntry) Entity {
	tokens := Tokens(raw)
	if len(tokens) == 0 {
		return invalid(KindService, raw, ReasonEmpty)
	}
	phrase := strings.Join(tokens, " ")

	scored := make([]Suggestion, 0, len(catalog))
	for _, entry := range catalog {
		score := scoreService(phrase, tokens, entry)
		if score > 0 {
			scored = append(scored, Suggestion{Key: entry.Key, Name: entry.Name, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Key < scored[j].Key
	})

	if len(scored) > 0 && scored[0].Score >= serviceFloor {
		best := scored[0]
		return Entity{
			Kind:       KindService,
			Raw:        raw,
			Canonical:  best.Name,
			Confidence: best.Score,
			Valid:      true,
			Detail:     best.Key,
		}
	}
	e := invalid(KindService, raw, ReasonUnparseable)
	for _, s := range scored {
		if s.Score < suggestionFloor || len(e.Suggestions) == maxSuggestions {
			break
		}
		e.Suggestions = append(e.Suggestions, s)
	}
	return e
}

func scoreService(phrase string, tokens []string, entry ServiceEntry) float64 {
	key := Fold(strings.ReplaceAll(entry.Key, "_", " "))
	name := strings.Join(Tokens(entry.Name), " ")

	// exact
	if phrase == key || phrase == name {
		return 1
	}
	best := 0.0
	// variation contained as a whole phrase, longer variations score higher
	for _, v := range entry.Variations {
		v = Fold(v)
		if phrase == v {
			return 0.97
		}
		if containsPhrase(phrase, v) {
			best = max(best, 0.9+0.01*float64(min(len(strings.Fields(v)), 5)))
		}
	}
	if containsPhrase(phrase, key) || containsPhrase(phrase, name) {
		best = max(best, 0.9)
	}
	// fuzzy, per token and whole phrase
	candidates := append([]string{key, name}, entry.Variations...)
	for _, c := range candidates {
		c = Fold(c)
		switch s := JaroWinkler(phrase, c); {
		case s >= serviceFuzzyFloor:
			best = max(best, s*0.9)
		case s >= suggestionSimilarity:
			best = max(best, s*0.75)
		}
		if strings.Contains(c, " ") {
			continue
		}
		for _, tok := range tokens {
			if len(tok) < 4 {
				continue
			}
			switch s := JaroWinkler(tok, c); {
			case s >= serviceFuzzyFloor:
				best = max(best, s*0.85)
			case s >= suggestionSimilarity:
				best = max(best, s*0.7)
			}
		}
	}
	// keyword overlap
	if len(entry.Keywords) > 0 {
		hits := 0
		for _, kw := range entry.Keywords {
			if containsPhrase(phrase, Fold(kw)) {
				hits++
			}
		}
		if hits > 0 {
			best = max(best, 0.6+0.15*float64(min(hits, 2)))
		}
	}
	// phonetic variants
	for _, p := range entry.Phonetic {
		if containsPhrase(phrase, Fold(p)) {
			best = max(best, 0.75)
		}
	}
	return best
}

// containsPhrase reports whether needle occurs in haystack on word boundaries.
func containsPhrase(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	h := " " + haystack + " "
	return strings.Contains(h, " "+needle+" ")
}
