// Package catalogue supplies the tradeable and view-only instruments the datafeed
// can chart, together with their display precision and trading sessions.
//
// The catalogue is described in YAML. A default catalogue is embedded in the binary
// and can be replaced with a file at startup.
package catalogue

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/utils"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var defaultCatalogue []byte

var (
	// ErrInvalidCatalogue indicates a malformed catalogue document.
	ErrInvalidCatalogue = errors.New("invalid instrument catalogue")
)

type document struct {
	Exchange    string       `yaml:"exchange" validate:"required"`
	Instruments []instrument `yaml:"instruments" validate:"required,min=1,dive"`
}

type instrument struct {
	Pair        string    `yaml:"pair" validate:"required"`
	ChartSymbol string    `yaml:"chartSymbol" validate:"required"`
	Decimals    int       `yaml:"decimals" validate:"min=0,max=18"`
	ViewOnly    bool      `yaml:"viewOnly"`
	Sessions    []session `yaml:"sessions" validate:"dive"`
}

type session struct {
	Open  string `yaml:"open" validate:"required"`
	Close string `yaml:"close" validate:"required"`
}

// Catalogue is an immutable list of instruments listed on one exchange.
type Catalogue struct {
	exchange    string
	instruments []model.Instrument
	byPair      map[model.Pair]int
}

// Default returns the catalogue embedded in the binary.
func Default() (*Catalogue, error) {
	return Parse(defaultCatalogue)
}

// Load reads a catalogue from a YAML file.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue document.
func Parse(data []byte) (*Catalogue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogue, err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogue, err)
	}

	c := &Catalogue{
		exchange:    doc.Exchange,
		instruments: make([]model.Instrument, 0, len(doc.Instruments)),
		byPair:      make(map[model.Pair]int, len(doc.Instruments)),
	}
	for _, raw := range doc.Instruments {
		inst, err := raw.toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalogue, raw.Pair, err)
		}
		if _, dup := c.byPair[inst.Pair]; dup {
			return nil, fmt.Errorf("%w: duplicate instrument %s", ErrInvalidCatalogue, inst.Pair)
		}
		c.byPair[inst.Pair] = len(c.instruments)
		c.instruments = append(c.instruments, inst)
	}
	return c, nil
}

func (raw instrument) toModel() (model.Instrument, error) {
	pair, err := utils.ParsePair(raw.Pair)
	if err != nil {
		return model.Instrument{}, err
	}
	inst := model.Instrument{
		Pair:        pair,
		ChartSymbol: raw.ChartSymbol,
		Decimals:    raw.Decimals,
		ViewOnly:    raw.ViewOnly,
	}
	for _, s := range raw.Sessions {
		open, err := parseWeekTime(s.Open)
		if err != nil {
			return model.Instrument{}, err
		}
		closing, err := parseWeekTime(s.Close)
		if err != nil {
			return model.Instrument{}, err
		}
		inst.Sessions = append(inst.Sessions, model.SessionWindow{Open: open, Close: closing})
	}
	return inst, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekTime parses "fri 22:00".
func parseWeekTime(s string) (model.WeekTime, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return model.WeekTime{}, fmt.Errorf("week time %q: expected \"<day> HH:MM\"", s)
	}
	day, ok := weekdays[fields[0]]
	if !ok {
		return model.WeekTime{}, fmt.Errorf("week time %q: unknown day %q", s, fields[0])
	}
	hm := strings.Split(fields[1], ":")
	if len(hm) != 2 {
		return model.WeekTime{}, fmt.Errorf("week time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hm[0])
	if err != nil || hour < 0 || hour > 23 {
		return model.WeekTime{}, fmt.Errorf("week time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(hm[1])
	if err != nil || minute < 0 || minute > 59 {
		return model.WeekTime{}, fmt.Errorf("week time %q: bad minute", s)
	}
	return model.WeekTime{Day: day, Hour: hour, Minute: minute}, nil
}

// Exchange returns the exchange name instruments are listed under.
func (c *Catalogue) Exchange() string {
	return c.exchange
}

// Instruments returns every tradeable and view-only instrument.
func (c *Catalogue) Instruments() []model.Instrument {
	out := make([]model.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Lookup finds an instrument by widget symbol ("EXCHANGE:BASE/QUOTE" or "BASE/QUOTE").
// A symbol carrying a different exchange prefix is not found.
func (c *Catalogue) Lookup(symbol string) (model.Instrument, bool) {
	exchange, pair, err := utils.ParseChartSymbol(symbol)
	if err != nil {
		return model.Instrument{}, false
	}
	if exchange != "" && !strings.EqualFold(exchange, c.exchange) {
		return model.Instrument{}, false
	}
	i, ok := c.byPair[pair]
	if !ok {
		return model.Instrument{}, false
	}
	return c.instruments[i], true
}

// Search returns the instruments whose name contains query, ignoring case. A
// non-empty exchange that differs from the catalogue's matches nothing.
func (c *Catalogue) Search(query, exchange string) []model.Instrument {
	if exchange != "" && !strings.EqualFold(exchange, c.exchange) {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []model.Instrument
	for _, inst := range c.instruments {
		if strings.Contains(strings.ToLower(inst.Pair.String()), needle) ||
			strings.Contains(strings.ToLower(inst.ChartSymbol), needle) {
			out = append(out, inst)
		}
	}
	return out
}
