package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	n := New()
	tests := []struct {
		name      string
		input     string
		canonical string
		minConf   float64
		maxConf   float64
		valid     bool
	}{
		{name: "exact", input: "Andreea Popescu", canonical: "Andreea Popescu", minConf: 1, maxConf: 1, valid: true},
		{name: "lower case with diacritics folded", input: "stefania tanase", canonical: "Ștefania Tănase", minConf: 1, maxConf: 1, valid: true},
		{name: "honorific and variant", input: "doamna andrea ionescu", canonical: "Andreea Ionescu", minConf: 0.9, maxConf: 0.96, valid: true},
		{name: "introduction phrase", input: "Numele meu este Mihaela Georgescu", canonical: "Mihaela Georgescu", minConf: 1, maxConf: 1, valid: true},
		{name: "fuzzy", input: "Cristinna", canonical: "Cristina", minConf: 0.8, maxConf: 0.85, valid: true},
		{name: "unknown keeps spelling", input: "Țurcanu", canonical: "Țurcanu", minConf: 0.5, maxConf: 0.5, valid: true},
		{name: "hyphenated unknown", input: "maria zwrtk-lopez", canonical: "Maria Zwrtk-Lopez", minConf: 0.7, maxConf: 0.8, valid: true},
		{name: "only honorific", input: "domnul", valid: false},
		{name: "empty", input: "  ", valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := n.Name(tt.input)
			assert.Equal(t, KindName, e.Kind)
			assert.Equal(t, tt.valid, e.Valid)
			if !tt.valid {
				assert.Equal(t, ReasonEmpty, e.Reason)
				return
			}
			assert.Equal(t, tt.canonical, e.Canonical)
			assert.GreaterOrEqual(t, e.Confidence, tt.minConf)
			assert.LessOrEqual(t, e.Confidence, tt.maxConf)
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, JaroWinkler("maria", "maria"), 1e-9)
	assert.InDelta(t, 0.961, JaroWinkler("martha", "marhta"), 0.001)
	assert.Equal(t, 0.0, JaroWinkler("abc", ""))
	// weak matches get no prefix bonus
	assert.InDelta(t, 2.0/3, JaroWinkler("abcd", "abxy"), 1e-9)
	assert.Equal(t, "sarbatoare", Fold("Sărbătoare"))
	assert.Equal(t, "tara", Fold("Ţara"))
	assert.Equal(t, []string{"dupa-amiaza", "la", "+40", "722"}, Tokens("După-amiază, la +40 722!"))
}
