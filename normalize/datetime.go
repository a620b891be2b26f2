package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})(?:[./](\d{2,4}))?\b`)
	clockRe       = regexp.MustCompile(`\b(\d{1,2})[:.h](\d{2})\b`)
)

// Date resolves a spoken date against today. Relative days come first, then
// weekday names, then absolute dates. A bare weekday never lands in the
// past; only an explicit "last"/"trecuta" may go backwards. Input that
// matches nothing is reported as unparseable, never as today.
func (n *Normalizer) Date(raw string) Entity {
	tokens := Tokens(raw)
	if len(tokens) == 0 {
		return invalid(KindDate, raw, ReasonEmpty)
	}
	today := n.today()
	for _, parse := range []func([]string, string, time.Time) (time.Time, float64, bool){
		n.relativeDay,
		n.weekday,
		n.absoluteDate,
	} {
		if d, conf, ok := parse(tokens, Fold(raw), today); ok {
			return Entity{Kind: KindDate, Raw: raw, Canonical: d.Format(DateLayout), Confidence: conf, Valid: true}
		}
	}
	return invalid(KindDate, raw, ReasonUnparseable)
}

// ParseDate parses a canonical date in the normalizer's location.
func (n *Normalizer) ParseDate(canonical string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, canonical, n.loc)
}

func (n *Normalizer) relativeDay(tokens []string, _ string, today time.Time) (time.Time, float64, bool) {
	t := n.tables
	for i, tok := range tokens {
		next := ""
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		switch {
		case (tok == "dupa" && next == "maine") || (tok == "after" && next == "tomorrow"):
			return today.AddDate(0, 0, 2), 0.95, true
		case tok == "peste" || tok == "in":
			count, used, ok := n.countAt(tokens, i+1)
			if !ok || i+1+used >= len(tokens) {
				continue
			}
			switch tokens[i+1+used] {
			case "zi", "zile", "day", "days":
				return today.AddDate(0, 0, count), 0.9, true
			case "saptamana", "saptamani", "week", "weeks":
				return today.AddDate(0, 0, 7*count), 0.85, true
			case "luna", "luni", "month", "months":
				return today.AddDate(0, count, 0), 0.8, true
			}
		}
		if days, ok := t.Calendar.RelativeDays[tok]; ok {
			return today.AddDate(0, 0, days), 0.95, true
		}
	}
	if t.hasWeekday(tokens) {
		return time.Time{}, 0, false
	}
	for i, tok := range tokens {
		if tok != "saptamana" && tok != "week" {
			continue
		}
		if _, ok := t.nextWords[neighbour(tokens, i+1)]; ok {
			return today.AddDate(0, 0, 7), 0.7, true
		}
		if _, ok := t.nextWords[neighbour(tokens, i-1)]; ok {
			return today.AddDate(0, 0, 7), 0.7, true
		}
	}
	return time.Time{}, 0, false
}

func (n *Normalizer) weekday(tokens []string, _ string, today time.Time) (time.Time, float64, bool) {
	t := n.tables
	target := -1
	var isNext, isLast, isThis bool
	for _, tok := range tokens {
		if wd, ok := t.Calendar.Weekdays[tok]; ok && target < 0 {
			target = wd
		}
		if _, ok := t.nextWords[tok]; ok {
			isNext = true
		}
		if _, ok := t.lastWords[tok]; ok {
			isLast = true
		}
		if _, ok := t.thisWords[tok]; ok {
			isThis = true
		}
	}
	if target < 0 {
		return time.Time{}, 0, false
	}
	current := int(today.Weekday())
	ahead := (target - current + 7) % 7
	switch {
	case isLast:
		back := (current - target + 7) % 7
		if back == 0 {
			back = 7
		}
		return today.AddDate(0, 0, -back), 0.85, true
	case isThis:
		return today.AddDate(0, 0, ahead), 0.9, true
	}
	if ahead == 0 {
		ahead = 7
	}
	if isNext && sameWeek(today, today.AddDate(0, 0, ahead)) {
		ahead += 7
	}
	return today.AddDate(0, 0, ahead), 0.9, true
}

// sameWeek reports whether a and b fall in the same Monday-to-Sunday week.
func sameWeek(a, b time.Time) bool {
	monday := func(d time.Time) time.Time {
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	}
	return monday(a).Equal(monday(b))
}

func (n *Normalizer) absoluteDate(tokens []string, folded string, today time.Time) (time.Time, float64, bool) {
	if m := isoDateRe.FindStringSubmatch(folded); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if date, ok := n.makeDate(y, mo, d); ok {
			return date, 0.95, true
		}
	}
	if m := numericDateRe.FindStringSubmatch(folded); m != nil && !clockLike(folded, m[0]) {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if date, ok := n.dateWithYear(d, mo, m[3], today); ok {
			return date, 0.95, true
		}
	}
	for i, tok := range tokens {
		month, ok := n.tables.Calendar.Months[tok]
		if !ok {
			continue
		}
		year := ""
		if y := neighbour(tokens, i+1); len(y) == 4 && isDigits(y) {
			year = y
		}
		// "20 octombrie", "douazeci si doi octombrie"
		for j := max(0, i-3); j < i; j++ {
			day, used, ok := n.tables.spelledNumber(tokens, j)
			if ok && j+used == i {
				if date, ok := n.dateWithYear(day, month, year, today); ok {
					return date, 0.9, true
				}
			}
		}
		// "october 20"
		if day, used, ok := n.tables.spelledNumber(tokens, i+1); ok && day >= 1 && day <= 31 {
			if y := neighbour(tokens, i+1+used); len(y) == 4 && isDigits(y) {
				year = y
			}
			if date, ok := n.dateWithYear(day, month, year, today); ok {
				return date, 0.9, true
			}
		}
	}
	return time.Time{}, 0, false
}

// clockLike rejects "10.30" style matches that are really times of day.
func clockLike(folded, match string) bool {
	idx := strings.Index(folded, match)
	before := strings.Fields(folded[:idx])
	if len(before) > 0 {
		switch before[len(before)-1] {
		case "ora", "la", "at":
			return true
		}
	}
	return false
}

func (n *Normalizer) dateWithYear(day, month int, year string, today time.Time) (time.Time, bool) {
	if year != "" {
		y, err := strconv.Atoi(year)
		if err != nil {
			return time.Time{}, false
		}
		if y < 100 {
			y += 2000
		}
		return n.makeDate(y, month, day)
	}
	date, ok := n.makeDate(today.Year(), month, day)
	if !ok {
		return time.Time{}, false
	}
	if date.Before(today) {
		return n.makeDate(today.Year()+1, month, day)
	}
	return date, true
}

func (n *Normalizer) makeDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	date := time.Date(y, time.Month(m), d, 0, 0, 0, 0, n.loc)
	if date.Month() != time.Month(m) || date.Day() != d {
		return time.Time{}, false
	}
	return date, true
}

// Time resolves a spoken time of day to HH:MM. Clock notation wins, then
// relative offsets ("peste o ora"), then an hour with optional minute
// modifiers ("ora trei si jumatate"), then named parts of the day. Hours from
// 1 to 7 without a qualifier are read as afternoon, since the salon is closed
// at night.
func (n *Normalizer) Time(raw string) Entity {
	tokens := Tokens(raw)
	if len(tokens) == 0 {
		return invalid(KindTime, raw, ReasonEmpty)
	}
	folded := Fold(raw)
	if m := clockRe.FindStringSubmatch(folded); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		h = n.applyPeriod(tokens, h, indexOf(tokens, m[1])+2)
		if h < 24 && mi < 60 {
			return timeEntity(raw, h, mi, 0.95, "")
		}
	}
	if e, ok := n.relativeTime(raw, tokens); ok {
		return e
	}
	if e, ok := n.hourExpression(raw, tokens); ok {
		return e
	}
	for i, tok := range tokens {
		key := tok
		if tok == "dupa" && neighbour(tokens, i+1) == "amiaza" {
			key = "dupa-amiaza"
		}
		if hhmm, ok := n.tables.Calendar.Periods[key]; ok {
			return Entity{Kind: KindTime, Raw: raw, Canonical: hhmm, Confidence: 0.6, Valid: true, Detail: "period"}
		}
	}
	return invalid(KindTime, raw, ReasonUnparseable)
}

func timeEntity(raw string, h, m int, conf float64, detail string) Entity {
	return Entity{
		Kind:       KindTime,
		Raw:        raw,
		Canonical:  time.Date(0, 1, 1, h, m, 0, 0, time.UTC).Format(TimeLayout),
		Confidence: conf,
		Valid:      true,
		Detail:     detail,
	}
}

func (n *Normalizer) relativeTime(raw string, tokens []string) (Entity, bool) {
	for i, tok := range tokens {
		if tok != "peste" && tok != "in" {
			continue
		}
		count, used, ok := n.countAt(tokens, i+1)
		if !ok {
			continue
		}
		unit := neighbour(tokens, i+1+used)
		if unit == "de" {
			unit = neighbour(tokens, i+2+used)
		}
		var d time.Duration
		switch unit {
		case "ora", "ore", "hour", "hours":
			d = time.Duration(count) * time.Hour
		case "minute", "minut", "minutes", "min":
			d = time.Duration(count) * time.Minute
		default:
			continue
		}
		at := n.now().In(n.loc).Add(d)
		// round up to the next five minutes
		at = at.Truncate(time.Minute)
		if rem := at.Minute() % 5; rem != 0 {
			at = at.Add(time.Duration(5-rem) * time.Minute)
		}
		detail := ""
		if !sameDay(at, n.now().In(n.loc)) {
			detail = at.Format(DateLayout)
		}
		return timeEntity(raw, at.Hour(), at.Minute(), 0.8, detail), true
	}
	return Entity{}, false
}

func (n *Normalizer) hourExpression(raw string, tokens []string) (Entity, bool) {
	t := n.tables
	for i, tok := range tokens {
		start := -1
		switch {
		case tok == "ora" || tok == "orele" || tok == "at":
			start = i + 1
		case tok == "la" && neighbour(tokens, i+1) != "ora":
			start = i + 1
		case neighbour(tokens, i+1) == "pm" || neighbour(tokens, i+1) == "am":
			start = i
		}
		if start < 0 {
			continue
		}
		h, used, ok := t.spelledNumber(tokens, start)
		if !ok || h > 24 {
			continue
		}
		if h == 24 {
			h = 0
		}
		spelled := !isDigits(tokens[start])
		pos := start + used
		m := 0
		switch {
		case neighbour(tokens, pos) == "si" && neighbour(tokens, pos+1) == "jumatate":
			m, pos = 30, pos+2
		case neighbour(tokens, pos) == "si" && neighbour(tokens, pos+1) == "sfert":
			m, pos = 15, pos+2
		case neighbour(tokens, pos) == "si" && neighbour(tokens, pos+1) == "un" && neighbour(tokens, pos+2) == "sfert":
			m, pos = 15, pos+3
		case neighbour(tokens, pos) == "fara" && (neighbour(tokens, pos+1) == "sfert" || neighbour(tokens, pos+2) == "sfert"):
			h, m = (h+23)%24, 45
			pos += 2
		case neighbour(tokens, pos) == "si":
			if mi, u, ok := t.spelledNumber(tokens, pos+1); ok && mi < 60 {
				m, pos = mi, pos+1+u
				if w := neighbour(tokens, pos); w == "minute" || w == "minut" {
					pos++
				}
			}
		default:
			if mi, u, ok := t.spelledNumber(tokens, pos); ok && mi >= 10 && mi < 60 {
				m, pos = mi, pos+u
			}
		}
		h = n.applyPeriod(tokens, h, pos)
		conf := 0.9
		if spelled {
			conf = 0.85
		}
		return timeEntity(raw, h, m, conf, ""), true
	}
	return Entity{}, false
}

// applyPeriod shifts h into the afternoon when the phrase says so, or when
// the hour is one the salon can only mean as afternoon. after is the token
// index right after the hour, where "am"/"pm" would appear.
func (n *Normalizer) applyPeriod(tokens []string, h, after int) int {
	switch neighbour(tokens, after) {
	case "pm":
		if h < 12 {
			return h + 12
		}
		return h
	case "am":
		if h == 12 {
			return 0
		}
		return h
	}
	for i, tok := range tokens {
		key := tok
		if tok == "dupa" && neighbour(tokens, i+1) == "amiaza" {
			key = "dupa-amiaza"
		}
		hhmm, ok := n.tables.Calendar.Periods[key]
		if !ok {
			continue
		}
		if ph, _ := strconv.Atoi(hhmm[:2]); ph >= 12 && h < 12 {
			return h + 12
		}
		return h
	}
	if h >= 1 && h <= 7 {
		return h + 12
	}
	return h
}

// countAt reads a count such as "doua", "3" or the article "o"/"a"/"an".
func (n *Normalizer) countAt(tokens []string, i int) (int, int, bool) {
	switch neighbour(tokens, i) {
	case "o", "un", "a", "an":
		return 1, 1, true
	}
	return n.tables.spelledNumber(tokens, i)
}

func (t *Tables) hasWeekday(tokens []string) bool {
	for _, tok := range tokens {
		if _, ok := t.Calendar.Weekdays[tok]; ok {
			return true
		}
	}
	return false
}

func neighbour(tokens []string, i int) string {
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}

func indexOf(tokens []string, tok string) int {
	for i, t := range tokens {
		if t == tok {
			return i
		}
	}
	return -1
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
