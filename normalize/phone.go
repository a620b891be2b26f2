package normalize

import (
	"strconv"
	"strings"
)

const (
	ReasonTooShort      = "too_short"
	ReasonTooLong       = "too_long"
	ReasonInvalidPrefix = "invalid_prefix"
	ReasonUnknownMobile = "unknown_mobile_prefix"
	ReasonUnknownArea   = "unknown_area_prefix"
)

// Phone normalizes a spoken phone number to the national form 0XXXXXXXXX.
// Input may be spelled digits, digit runs or a mix; "+40" and "0040" are
// folded. Mobile numbers must carry a known three-digit network prefix and
// landlines a known area prefix.
// Normalizing a canonical number returns it unchanged.
func (n *Normalizer) Phone(raw string) Entity {
	t := n.tables
	tokens := Tokens(raw)
	var (
		digits           strings.Builder
		spelled, numeric int
		unknown          int
		international    bool
	)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case strings.HasPrefix(tok, "+"):
			international = true
			digits.WriteString(tok[1:])
			numeric++
			continue
		case tok == "plus":
			international = true
			continue
		case isDigits(tok):
			digits.WriteString(tok)
			numeric++
			continue
		}
		if _, skip := t.phoneFillers[tok]; skip {
			continue
		}
		if times, ok := t.Numbers.Repeaters[tok]; ok && i+1 < len(tokens) {
			if v, used, ok := t.spelledNumber(tokens, i+1); ok {
				digits.WriteString(strings.Repeat(strconv.Itoa(v), times))
				spelled++
				i += used
				continue
			}
		}
		if v, used, ok := t.spelledNumber(tokens, i); ok {
			digits.WriteString(strconv.Itoa(v))
			spelled++
			i += used - 1
			continue
		}
		unknown++
	}

	d := digits.String()
	if d == "" {
		return invalid(KindPhone, raw, ReasonEmpty)
	}
	national := n.foldCountryCode(d, international)

	e := Entity{Kind: KindPhone, Raw: raw}
	switch {
	case len(national) < 10:
		e.Reason = ReasonTooShort
		return e
	case len(national) > 10:
		e.Reason = ReasonTooLong
		return e
	}
	if national[0] != '0' {
		e.Reason = ReasonInvalidPrefix
		return e
	}
	switch national[1] {
	case '7':
		network, ok := t.Phone.MobilePrefixes[national[:3]]
		if !ok {
			e.Reason = ReasonUnknownMobile
			return e
		}
		e.Detail = network
	case '2', '3':
		area := n.landlineArea(national)
		if area == "" {
			e.Reason = ReasonUnknownArea
			return e
		}
		e.Detail = area
	default:
		e.Reason = ReasonInvalidPrefix
		return e
	}

	e.Canonical = national
	e.Valid = true
	switch {
	case spelled == 0:
		e.Confidence = 0.95
	case numeric == 0:
		e.Confidence = 0.85
	default:
		e.Confidence = 0.9
	}
	e.Confidence -= 0.1 * float64(unknown)
	if e.Confidence < 0.3 {
		e.Confidence = 0.3
	}
	return e
}

func (n *Normalizer) foldCountryCode(d string, international bool) string {
	cc := n.tables.Phone.CountryCode
	switch {
	case strings.HasPrefix(d, "00"+cc):
		return "0" + d[2+len(cc):]
	case strings.HasPrefix(d, cc) && (international || len(d) == len(cc)+9):
		return "0" + d[len(cc):]
	case len(d) == 9 && (d[0] == '7' || d[0] == '2' || d[0] == '3'):
		return "0" + d
	}
	return d
}

// landlineArea looks up the geographic area. 03xx numbers share the area
// digits of their 02xx counterpart.
func (n *Normalizer) landlineArea(national string) string {
	areas := n.tables.Phone.LandlineAreas
	for _, prefix := range []string{national[:4], national[:3]} {
		if area, ok := areas[prefix]; ok {
			return area
		}
	}
	if national[1] == '3' {
		return areas["02"+national[2:4]]
	}
	return ""
}

// IsCanonicalPhone reports whether s is already in national canonical form.
func (n *Normalizer) IsCanonicalPhone(s string) bool {
	e := n.Phone(s)
	return e.Valid && e.Canonical == s
}
