// Package normalize turns noisy spoken-language fragments (phone numbers,
// names, dates, times, service names) into canonical values. Every
// normalizer is a pure function of its input, its tables and the clock.
package normalize

import (
	"time"
	_ "time/tzdata"
)

type Kind string

const (
	KindPhone   Kind = "phone"
	KindName    Kind = "name"
	KindDate    Kind = "date"
	KindTime    Kind = "time"
	KindService Kind = "service"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	ReasonEmpty       = "empty"
	ReasonUnparseable = "unparseable"
)

// Entity is the output of a normalizer. Canonical is empty when Valid is false.
type Entity struct {
	Kind       Kind    `json:"kind"`
	Raw        string  `json:"raw"`
	Canonical  string  `json:"canonical"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
	Reason     string  `json:"reason,omitempty"`
	// Detail carries kind-specific extras: the mobile network, the landline
	// area, the matched service key.
	Detail      string       `json:"detail,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

type Suggestion struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func invalid(kind Kind, raw, reason string) Entity {
	return Entity{Kind: kind, Raw: raw, Reason: reason}
}

// Normalizer binds the tables to a clock and a location. The zero value is
// not usable; use New.
type Normalizer struct {
	tables *Tables
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Normalizer)

// WithClock fixes "now", which relative dates and times resolve against.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.loc = loc
		}
	}
}

func WithTables(t *Tables) Option {
	return func(n *Normalizer) {
		if t != nil {
			n.tables = t
		}
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now, loc: time.UTC}
	if loc, err := time.LoadLocation("Europe/Bucharest"); err == nil {
		n.loc = loc
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.tables == nil {
		n.tables = DefaultTables()
	}
	return n
}

func (n *Normalizer) Location() *time.Location { return n.loc }

func (n *Normalizer) today() time.Time {
	now := n.now().In(n.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, n.loc)
}
