package market

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownInstrument = errors.New("market: unknown instrument")
	ErrInvalidInstrument = errors.New("market: invalid instrument definition")
)

// Session is a recurring trading window in the instrument's time zone.
// Close before Open wraps past midnight.
type Session struct {
	Days  []time.Weekday
	Open  time.Duration // offset from local midnight
	Close time.Duration
}

// Instrument is the tradable metadata of one symbol.
type Instrument struct {
	Symbol        string
	Enabled       bool
	MinStake      decimal.Decimal
	MaxStake      decimal.Decimal
	PayoutPercent decimal.Decimal
	Location      *time.Location
	Sessions      []Session // empty means always open
}

// IsMarketOpen reports whether now falls inside a trading session.
func (in *Instrument) IsMarketOpen(now time.Time) bool {
	if len(in.Sessions) == 0 {
		return true
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)

	for _, s := range in.Sessions {
		if s.Close > s.Open {
			if hasDay(s.Days, local.Weekday()) && offset >= s.Open && offset < s.Close {
				return true
			}
			continue
		}
		// Overnight session: the late part belongs to today, the early part
		// to the session that started yesterday.
		if hasDay(s.Days, local.Weekday()) && offset >= s.Open {
			return true
		}
		yesterday := (local.Weekday() + 6) % 7
		if hasDay(s.Days, yesterday) && offset < s.Close {
			return true
		}
	}
	return false
}

// StakeAllowed reports whether stake is inside [MinStake, MaxStake].
func (in *Instrument) StakeAllowed(stake decimal.Decimal) bool {
	return stake.GreaterThanOrEqual(in.MinStake) && stake.LessThanOrEqual(in.MaxStake)
}

func hasDay(days []time.Weekday, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// Registry is an in-memory InstrumentRegistry keyed by canonical symbol.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

// NewRegistry creates a registry from already-validated instruments.
func NewRegistry(instruments ...Instrument) *Registry {
	r := &Registry{instruments: make(map[string]Instrument, len(instruments))}
	for _, in := range instruments {
		r.Put(in)
	}
	return r
}

// Put adds or replaces an instrument.
func (r *Registry) Put(in Instrument) {
	if c, err := Canonical(in.Symbol); err == nil {
		in.Symbol = c
	}
	r.mu.Lock()
	r.instruments[in.Symbol] = in
	r.mu.Unlock()
}

func (r *Registry) Lookup(symbol string) (*Instrument, error) {
	c, err := Canonical(symbol)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	in, ok := r.instruments[c]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, c)
	}
	return &in, nil
}

// List returns all instruments sorted by symbol.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// --- YAML loading ---

type registryFile struct {
	Instruments []instrumentDef `yaml:"instruments"`
}

type instrumentDef struct {
	Symbol        string       `yaml:"symbol"`
	Enabled       *bool        `yaml:"enabled"`
	MinStake      string       `yaml:"min_stake"`
	MaxStake      string       `yaml:"max_stake"`
	PayoutPercent string       `yaml:"payout_percent"`
	Timezone      string       `yaml:"timezone"`
	Sessions      []sessionDef `yaml:"sessions"`
}

type sessionDef struct {
	Days  []string `yaml:"days"`
	Open  string   `yaml:"open"`
	Close string   `yaml:"close"`
}

// LoadRegistry reads instrument definitions from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}

	r := NewRegistry()
	for _, def := range f.Instruments {
		in, err := def.build()
		if err != nil {
			return nil, err
		}
		r.Put(in)
	}
	return r, nil
}

func (def instrumentDef) build() (Instrument, error) {
	sym, err := Canonical(def.Symbol)
	if err != nil {
		return Instrument{}, err
	}
	fail := func(format string, args ...any) (Instrument, error) {
		return Instrument{}, fmt.Errorf("%w: %s: %s", ErrInvalidInstrument, sym, fmt.Sprintf(format, args...))
	}

	in := Instrument{Symbol: sym, Enabled: def.Enabled == nil || *def.Enabled, Location: time.UTC}
	if in.MinStake, err = decimal.NewFromString(def.MinStake); err != nil {
		return fail("min_stake %q", def.MinStake)
	}
	if in.MaxStake, err = decimal.NewFromString(def.MaxStake); err != nil {
		return fail("max_stake %q", def.MaxStake)
	}
	if in.PayoutPercent, err = decimal.NewFromString(def.PayoutPercent); err != nil {
		return fail("payout_percent %q", def.PayoutPercent)
	}
	if !in.MinStake.IsPositive() || in.MaxStake.LessThan(in.MinStake) {
		return fail("stake range [%s, %s]", in.MinStake, in.MaxStake)
	}
	if !in.PayoutPercent.IsPositive() {
		return fail("payout_percent must be positive")
	}
	if def.Timezone != "" {
		if in.Location, err = time.LoadLocation(def.Timezone); err != nil {
			return fail("timezone %q", def.Timezone)
		}
	}

	for _, sd := range def.Sessions {
		s := Session{}
		if s.Open, err = parseClock(sd.Open); err != nil {
			return fail("session open %q", sd.Open)
		}
		if s.Close, err = parseClock(sd.Close); err != nil {
			return fail("session close %q", sd.Close)
		}
		for _, day := range sd.Days {
			wd, ok := weekdays[strings.ToLower(day)]
			if !ok {
				return fail("session day %q", day)
			}
			s.Days = append(s.Days, wd)
		}
		in.Sessions = append(in.Sessions, s)
	}
	return in, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseClock parses "HH:MM"; "24:00" is end of day.
func parseClock(s string) (time.Duration, error) {
	if s == "24:00" {
		return 24 * time.Hour, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
