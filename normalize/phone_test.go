package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhone(t *testing.T) {
	n := New()
	tests := []struct {
		name      string
		input     string
		canonical string
		detail    string
		reason    string
	}{
		{name: "canonical", input: "0722123456", canonical: "0722123456", detail: "Vodafone"},
		{name: "international plus", input: "+40 722 123 456", canonical: "0722123456", detail: "Vodafone"},
		{name: "international double zero", input: "0040 745 123 456", canonical: "0745123456", detail: "Orange"},
		{name: "missing trunk zero", input: "766 123 456", canonical: "0766123456", detail: "Telekom"},
		{name: "spelled digits", input: "zero șapte doi doi unu doi trei patru cinci șase", canonical: "0722123456", detail: "Vodafone"},
		{name: "spelled without diacritics", input: "zero sapte sapte opt noua noua opt sapte sase cinci", canonical: "0778998765", detail: "Digi"},
		{name: "mixed with fillers", input: "Numărul meu este zero șapte patru cinci, 123 456", canonical: "0745123456", detail: "Orange"},
		{name: "spelled plus country code", input: "plus patruzeci șapte șase unu doi trei patru cinci șase șapte", canonical: "0761234567", detail: "Telekom"},
		{name: "double digit word", input: "zero sapte dublu doi unu doi trei patru cinci sase", canonical: "0722123456", detail: "Vodafone"},
		{name: "compound tens", input: "zero șapte doi doi, douăzeci și unu, treizeci și patru, cincizeci și șase", canonical: "0722213456", detail: "Vodafone"},
		{name: "english digits", input: "oh seven two two one two three four five six", canonical: "0722123456", detail: "Vodafone"},
		{name: "landline bucharest", input: "021 312 3456", canonical: "0213123456", detail: "București"},
		{name: "landline cluj", input: "0264 123 456", canonical: "0264123456", detail: "Cluj"},
		{name: "landline alternate range", input: "0364 123 456", canonical: "0364123456", detail: "Cluj"},
		{name: "unknown mobile network", input: "0701234567", reason: ReasonUnknownMobile},
		{name: "unallocated landline area", input: "0221234567", reason: ReasonUnknownArea},
		{name: "unallocated alternate area", input: "0391234567", reason: ReasonUnknownArea},
		{name: "no trunk zero", input: "1234567890", reason: ReasonInvalidPrefix},
		{name: "no trunk zero landline digit", input: "5234567890", reason: ReasonInvalidPrefix},
		{name: "no trunk zero mobile digit", input: "9312345678", reason: ReasonInvalidPrefix},
		{name: "too short", input: "07221234", reason: ReasonTooShort},
		{name: "too long", input: "072212345678", reason: ReasonTooLong},
		{name: "bad prefix", input: "0912345678", reason: ReasonInvalidPrefix},
		{name: "no digits", input: "nu știu numărul", reason: ReasonEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := n.Phone(tt.input)
			assert.Equal(t, KindPhone, e.Kind)
			assert.Equal(t, tt.input, e.Raw)
			if tt.reason != "" {
				assert.False(t, e.Valid)
				assert.Equal(t, tt.reason, e.Reason)
				assert.Empty(t, e.Canonical)
				return
			}
			require.True(t, e.Valid, "reason: %s", e.Reason)
			assert.Equal(t, tt.canonical, e.Canonical)
			assert.Equal(t, tt.detail, e.Detail)
			assert.Greater(t, e.Confidence, 0.0)
		})
	}
}

func TestPhoneIsIdempotent(t *testing.T) {
	n := New()
	inputs := []string{
		"0722123456",
		"+40 722 123 456",
		"zero șapte patru cinci unu doi trei patru cinci șase",
		"0213123456",
		"0040 799 000 111",
	}
	for _, in := range inputs {
		first := n.Phone(in)
		require.True(t, first.Valid, in)
		second := n.Phone(first.Canonical)
		assert.Equal(t, first.Canonical, second.Canonical, in)
		assert.True(t, n.IsCanonicalPhone(first.Canonical))
	}
	assert.False(t, n.IsCanonicalPhone("+40722123456"))
}
