package mapping

import (
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"sync"
)

// Format is the normalized type a mapping produces.
type Format string

// Supported formats.
const (
	FormatNone   Format = ""
	FormatBool   Format = "bool"
	FormatInt    Format = "int"
	FormatFloat  Format = "float"
	FormatString Format = "string"
)

// Characteristic names with built-in behaviour.
const (
	CharOn        = "On"
	CharStartStop = "StartStop"
	CharHue       = "Hue"
	CharSat       = "Saturation"
)

// IntentPauseUnpause selects cmdPause/cmdUnpause on a StartStop mapping.
const IntentPauseUnpause = "PauseUnpause"

// Rules is the declarative part of a mapping as written in a homebridgeMapping
// attribute or a devices file.
type Rules struct {
	Characteristic string            `json:"characteristic,omitempty" yaml:"characteristic,omitempty" toml:"characteristic,omitempty"`
	Device         string            `json:"device,omitempty" yaml:"device,omitempty" toml:"device,omitempty"`
	Reading        string            `json:"reading,omitempty" yaml:"reading,omitempty" toml:"reading,omitempty"`
	Format         Format            `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
	MinValue       *float64          `json:"minValue,omitempty" yaml:"minValue,omitempty" toml:"minValue,omitempty"`
	MaxValue       *float64          `json:"maxValue,omitempty" yaml:"maxValue,omitempty" toml:"maxValue,omitempty"`
	MinStep        *float64          `json:"minStep,omitempty" yaml:"minStep,omitempty" toml:"minStep,omitempty"`
	Min            *float64          `json:"min,omitempty" yaml:"min,omitempty" toml:"min,omitempty"`
	Max            *float64          `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
	Factor         *float64          `json:"factor,omitempty" yaml:"factor,omitempty" toml:"factor,omitempty"`
	Threshold      *float64          `json:"threshold,omitempty" yaml:"threshold,omitempty" toml:"threshold,omitempty"`
	Default        *string           `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
	Invert         Flag              `json:"invert,omitempty" yaml:"invert,omitempty" toml:"invert,omitempty"`
	ValueOn        *string           `json:"valueOn,omitempty" yaml:"valueOn,omitempty" toml:"valueOn,omitempty"`
	ValueOff       *string           `json:"valueOff,omitempty" yaml:"valueOff,omitempty" toml:"valueOff,omitempty"`
	Part           *int              `json:"part,omitempty" yaml:"part,omitempty" toml:"part,omitempty"`
	EventMap       map[string]string `json:"eventMap,omitempty" yaml:"eventMap,omitempty" toml:"eventMap,omitempty"`
	Values         []string          `json:"values,omitempty" yaml:"values,omitempty" toml:"values,omitempty"`
	Valid          []string          `json:"valid,omitempty" yaml:"valid,omitempty" toml:"valid,omitempty"`
	Cmds           []string          `json:"cmds,omitempty" yaml:"cmds,omitempty" toml:"cmds,omitempty"`
	Cmd            string            `json:"cmd,omitempty" yaml:"cmd,omitempty" toml:"cmd,omitempty"`
	CmdOn          *string           `json:"cmdOn,omitempty" yaml:"cmdOn,omitempty" toml:"cmdOn,omitempty"`
	CmdOff         *string           `json:"cmdOff,omitempty" yaml:"cmdOff,omitempty" toml:"cmdOff,omitempty"`
	CmdPause       *string           `json:"cmdPause,omitempty" yaml:"cmdPause,omitempty" toml:"cmdPause,omitempty"`
	CmdUnpause     *string           `json:"cmdUnpause,omitempty" yaml:"cmdUnpause,omitempty" toml:"cmdUnpause,omitempty"`
	CmdSuffix      *string           `json:"cmdSuffix,omitempty" yaml:"cmdSuffix,omitempty" toml:"cmdSuffix,omitempty"`
	ReadingFunc    string            `json:"reading2homekit,omitempty" yaml:"reading2homekit,omitempty" toml:"reading2homekit,omitempty"`
	CommandFunc    string            `json:"homekit2reading,omitempty" yaml:"homekit2reading,omitempty" toml:"homekit2reading,omitempty"`
	Delay          Delay             `json:"delay,omitempty" yaml:"delay,omitempty" toml:"delay,omitempty"`
	NoCache        Flag              `json:"nocache,omitempty" yaml:"nocache,omitempty" toml:"nocache,omitempty"`
}

// UnmarshalJSON accepts numeric and boolean defaults besides strings.
func (r *Rules) UnmarshalJSON(b []byte) error {
	type plain Rules
	aux := struct {
		*plain
		Default json.RawMessage `json:"default,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if len(aux.Default) > 0 {
		var v any
		if err := json.Unmarshal(aux.Default, &v); err != nil {
			return err
		}
		if v != nil {
			r.Default = stringPtr(formatValue(v))
		}
	}
	return nil
}

// Clone returns a deep copy of r.
func (r Rules) Clone() Rules {
	c := r
	c.EventMap = maps.Clone(r.EventMap)
	c.Values = slices.Clone(r.Values)
	c.Valid = slices.Clone(r.Valid)
	c.Cmds = slices.Clone(r.Cmds)
	return c
}

// Flag is a boolean that also accepts 0/1 when decoded from JSON.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*f = Flag(t)
	case float64:
		*f = t != 0
	case string:
		*f = t != "" && t != "0" && t != "false"
	default:
		*f = false
	}
	return nil
}

// Delay is the debounce interval of outbound commands in milliseconds.
// A bare "delay" (or JSON true) selects DefaultDelay.
type Delay int

// DefaultDelay is used when a mapping asks for a delay without a value.
const DefaultDelay Delay = 1000

// UnmarshalJSON implements json.Unmarshaler.
func (d *Delay) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		if t {
			*d = DefaultDelay
		} else {
			*d = 0
		}
	case float64:
		*d = Delay(t)
	case string:
		*d = parseDelay(t)
	}
	return nil
}

func parseDelay(s string) Delay {
	n, err := strconv.Atoi(s)
	if err != nil {
		return DefaultDelay
	}
	return Delay(n)
}

type regexRule struct {
	re *regexp.Regexp
	to string
}

// Mapping is a prepared rule set bound to one device reading.
//
// The rules are not modified after Prepare. The last normalized value is kept
// on the mapping so characteristic reads do not recompute it.
type Mapping struct {
	Rules

	informID string

	valueTable map[string]string
	valueRe    []regexRule
	cmdTable   map[string]string
	cmdRe      []regexRule
	valueOnRe  *regexp.Regexp
	valueOffRe *regexp.Regexp

	reading Converter
	command Converter

	mu        sync.RWMutex
	cached    any
	hasCached bool
}

// New returns an unprepared mapping for the given rules.
func New(rules Rules) *Mapping {
	return &Mapping{Rules: rules.Clone()}
}

// InformID returns the attribute id this mapping listens to.
func (m *Mapping) InformID() string {
	if m.informID != "" {
		return m.informID
	}
	return m.Device + "-" + m.Reading
}

// Cached returns the last normalized value computed for this mapping.
func (m *Mapping) Cached() (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached, m.hasCached
}

func (m *Mapping) setCached(v any) {
	m.mu.Lock()
	m.cached = v
	m.hasCached = true
	m.mu.Unlock()
}

// MarshalJSON encodes the rules of the mapping.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Rules)
}

// Set holds the mappings of one device keyed by characteristic. A
// characteristic may be served by several mappings.
type Set map[string][]*Mapping

// First returns the first mapping for a characteristic or nil.
func (s Set) First(characteristic string) *Mapping {
	if ms := s[characteristic]; len(ms) > 0 {
		return ms[0]
	}
	return nil
}

// Index returns the i-th mapping for a characteristic or nil.
func (s Set) Index(characteristic string, i int) *Mapping {
	ms := s[characteristic]
	if i < 0 || i >= len(ms) {
		return nil
	}
	return ms[i]
}

// All returns every mapping ordered by characteristic name.
func (s Set) All() []*Mapping {
	keys := slices.Sorted(maps.Keys(s))
	var out []*Mapping
	for _, k := range keys {
		out = append(out, s[k]...)
	}
	return out
}

func floatPtr(v float64) *float64 { return &v }

func stringPtr(s string) *string { return &s }
