package normalize

import (
	"embed"
	"fmt"
	"sync"

	"github.com/goccy/go-yaml"
)

//go:embed data/*.yaml
var dataFS embed.FS

type nameTables struct {
	FirstNames []string          `yaml:"first_names"`
	Surnames   []string          `yaml:"surnames"`
	Variants   map[string]string `yaml:"variants"`
}

type lexicon struct {
	Honorifics   []string `yaml:"honorifics"`
	NameFillers  []string `yaml:"name_fillers"`
	PhoneFillers []string `yaml:"phone_fillers"`
}

type numberWords struct {
	Units     map[string]int `yaml:"units"`
	Teens     map[string]int `yaml:"teens"`
	Tens      map[string]int `yaml:"tens"`
	Repeaters map[string]int `yaml:"repeaters"`
}

type phonePlan struct {
	CountryCode    string            `yaml:"country_code"`
	MobilePrefixes map[string]string `yaml:"mobile_prefixes"`
	LandlineAreas  map[string]string `yaml:"landline_areas"`
}

type calendarWords struct {
	RelativeDays map[string]int    `yaml:"relative_days"`
	Weekdays     map[string]int    `yaml:"weekdays"`
	NextWords    []string          `yaml:"next_words"`
	ThisWords    []string          `yaml:"this_words"`
	LastWords    []string          `yaml:"last_words"`
	Months       map[string]int    `yaml:"months"`
	Periods      map[string]string `yaml:"periods"`
}

// ServiceEntry is one catalog service and the vocabulary that recognises it.
type ServiceEntry struct {
	Key             string   `yaml:"key"`
	Name            string   `yaml:"name"`
	DurationMinutes int      `yaml:"duration_minutes"`
	Variations      []string `yaml:"variations"`
	Keywords        []string `yaml:"keywords"`
	Phonetic        []string `yaml:"phonetic"`
}

// Tables holds every static lookup table the normalizers use. Tables are data,
// so they can grow without touching matching code.
type Tables struct {
	Names    nameTables
	Lexicon  lexicon
	Numbers  numberWords
	Phone    phonePlan
	Calendar calendarWords
	Services []ServiceEntry

	// folded lookups built once at load time
	firstNames   map[string]string
	surnames     map[string]string
	honorifics   map[string]struct{}
	nameFillers  map[string]struct{}
	phoneFillers map[string]struct{}
	nextWords    map[string]struct{}
	thisWords    map[string]struct{}
	lastWords    map[string]struct{}
}

var loadDefault = sync.OnceValues(func() (*Tables, error) {
	return LoadTables(dataFS, "data")
})

// DefaultTables returns the embedded tables. They are parsed once.
func DefaultTables() *Tables {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Errorf("loading embedded normalizer tables: %w", err))
	}
	return t
}

type readFileFS interface {
	ReadFile(name string) ([]byte, error)
}

// LoadTables parses the YAML tables found under dir in fsys.
func LoadTables(fsys readFileFS, dir string) (*Tables, error) {
	t := &Tables{}
	files := []struct {
		name string
		dst  any
	}{
		{"names.yaml", &t.Names},
		{"lexicon.yaml", &t.Lexicon},
		{"numbers.yaml", &t.Numbers},
		{"phone.yaml", &t.Phone},
		{"calendar.yaml", &t.Calendar},
		{"services.yaml", &t.Services},
	}
	for _, f := range files {
		data, err := fsys.ReadFile(dir + "/" + f.name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		if err := yaml.Unmarshal(data, f.dst); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.name, err)
		}
	}
	t.index()
	return t, nil
}

func (t *Tables) index() {
	t.firstNames = foldedIndex(t.Names.FirstNames)
	t.surnames = foldedIndex(t.Names.Surnames)
	t.honorifics = set(t.Lexicon.Honorifics)
	t.nameFillers = set(t.Lexicon.NameFillers)
	t.phoneFillers = set(t.Lexicon.PhoneFillers)
	t.nextWords = set(t.Calendar.NextWords)
	t.thisWords = set(t.Calendar.ThisWords)
	t.lastWords = set(t.Calendar.LastWords)
}

func foldedIndex(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[Fold(n)] = n
	}
	return m
}

func set(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[Fold(w)] = struct{}{}
	}
	return m
}
