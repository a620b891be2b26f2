package functions

import (
	"fmt"
	"strings"
	"time"
)

var (
	weekdaysRO = [...]string{"duminică", "luni", "marți", "miercuri", "joi", "vineri", "sâmbătă"}
	monthsRO   = [...]string{"ianuarie", "februarie", "martie", "aprilie", "mai", "iunie",
		"iulie", "august", "septembrie", "octombrie", "noiembrie", "decembrie"}
)

const (
	speechConfirmFirst = "Înainte să fac programarea, vă rog să confirmați detaliile."
	speechNoServices   = "Momentan nu am servicii disponibile pentru programare."
	speechBooked       = "Gata! V-am programat pentru %s, %s, la ora %s. Vă așteptăm cu drag!"
	speechConfirmed    = "Perfect, am confirmat detaliile. Fac programarea acum."
)

// spokenDate renders "marți, 20 octombrie".
func spokenDate(t time.Time) string {
	return fmt.Sprintf("%s, %d %s", weekdaysRO[t.Weekday()], t.Day(), monthsRO[t.Month()-1])
}

func spokenClock(t time.Time) string {
	return t.Format("15:04")
}

// spokenPhone groups a canonical number as 0722 123 456 so it is read back
// in chunks.
func spokenPhone(p string) string {
	if len(p) != 10 {
		return p
	}
	return p[:4] + " " + p[4:7] + " " + p[7:]
}

// spokenList joins items the way they are said: "a, b sau c".
func spokenList(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " " + conj + " " + items[len(items)-1]
}

func spokenClocks(times []time.Time) []string {
	out := make([]string, 0, len(times))
	for _, t := range times {
		out = append(out, spokenClock(t))
	}
	return out
}
