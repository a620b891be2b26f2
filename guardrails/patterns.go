package guardrails

import (
	"regexp"
	"strings"
	"unicode"
)

// blocked patterns run on folded text (lower case, no diacritics).
type blockedPattern struct {
	code string
	re   *regexp.Regexp
}

var blockedPatterns = []blockedPattern{
	{
		code: "credential_request",
		re: regexp.MustCompile(`\b(parola|parolele|password|passcode|` +
			`cod(ul)? (pin|cvv|cvc|de securitate|de verificare)|pin(ul)? (cardului|de la card)|cvv|cvc|` +
			`(numarul|datele|codul) (de pe |complet al )?card(ului)?|card number|credit card details|` +
			`date(le)? de autentificare|credentiale(le)?|login(ul)? (tau|de admin)|internet banking)\b`),
	},
	{
		code: "prompt_injection",
		re: regexp.MustCompile(`(ignora|uita) (toate )?(instructiunile|regulile)|` +
			`ignore (all |any |the )?(previous |prior |above )?(instructions|rules)|` +
			`(system|developer) prompt|prompt(ul)? (de )?sistem|` +
			`\byou are now\b|\bacum esti\b|\bact as\b|\bpretend to be\b|\bprefa-te\b|` +
			`\bjailbreak\b|\bdeveloper mode\b|\bmodul dezvoltator\b|` +
			`(dezvaluie|arata-mi|spune-mi) (instructiunile|promptul)|reveal (your )?(instructions|prompt)`),
	},
	{
		code: "abuse",
		re: regexp.MustCompile(`\b(idiot(ule|o)?|cretin(ule|o)?|dobitoc(ule)?|tampit(ule|o)?|` +
			`handicapat(ule|o)?|nenorocit(ule|o)?|jigodie|tigan(ii|ilor)? (imputit|imputiti)|` +
			`fuck(ing)?|shit|bitch|bastard|retard(ed)?|whore|slut)\b`),
	},
}

type softPattern struct {
	code   string
	weight float64
	find   func(raw string) bool
}

var (
	digitRunRe = regexp.MustCompile(`\d(?:[ -]?\d){12,18}`)
	cnpRe      = regexp.MustCompile(`\b[1-8]\d{12}\b`)
	ibanRe     = regexp.MustCompile(`(?i)\bRO\d{2}\s?[A-Z]{4}(?:\s?[0-9A-Z]{4}){4}\b`)
	emailRe    = regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)
	markupRe   = regexp.MustCompile(`<[^>]{0,200}>`)
)

var softPatterns = []softPattern{
	{code: "pii:card_number", weight: 0.5, find: hasCardNumber},
	{code: "pii:cnp", weight: 0.4, find: cnpRe.MatchString},
	{code: "pii:iban", weight: 0.3, find: ibanRe.MatchString},
	{code: "pii:email", weight: 0.2, find: emailRe.MatchString},
}

// hasCardNumber looks for a 13-19 digit run that passes the Luhn check.
func hasCardNumber(raw string) bool {
	for _, m := range digitRunRe.FindAllString(raw, -1) {
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, m)
		if luhn(digits) {
			return true
		}
	}
	return false
}

func luhn(digits string) bool {
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// sanitize strips markup and control characters and collapses whitespace.
func sanitize(s string) string {
	s = markupRe.ReplaceAllString(s, " ")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '\u200b' || r == '\ufeff' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
