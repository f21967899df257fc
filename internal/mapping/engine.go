package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Converter is one conversion strategy. The built-in rule pipeline and
// registered custom functions both implement it.
type Converter interface {
	// Normalize converts a raw reading. A nil value with a nil error means
	// the reading carries no value for this mapping.
	Normalize(m *Mapping, raw string) (any, error)

	// Denormalize converts a normalized value into the command value.
	Denormalize(m *Mapping, value any) (any, error)
}

// Command is a resolved outbound set command.
type Command struct {
	Device string `json:"device"`
	Value  string `json:"value"`
	Cmd    string `json:"cmd"`
	Text   string `json:"text"`
}

// Engine applies mappings in both directions.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Mappings are read-only after
//     Prepare apart from their cached value, which is lock protected.
type Engine struct {
	log   Logger
	rules rulesConverter
}

// NewEngine creates an engine logging through log.
func NewEngine(log Logger) *Engine {
	return &Engine{log: log, rules: rulesConverter{log: log}}
}

func (e *Engine) readingConverter(m *Mapping) Converter {
	if m.reading != nil {
		return m.reading
	}
	return e.rules
}

func (e *Engine) commandConverter(m *Mapping) Converter {
	if m.command != nil {
		return m.command
	}
	return e.rules
}

// ToNormalized converts raw into the mapping's normalized value.
//
// The second result is false when the reading yields no value: a command
// echo, a conversion error or an unmatched value without default. Errors are
// logged, never returned. A produced value is stored as the mapping's cached
// value.
func (e *Engine) ToNormalized(m *Mapping, raw string) (any, bool) {
	v, err := e.readingConverter(m).Normalize(m, raw)
	switch {
	case errors.Is(err, errEcho):
		return nil, false
	case err != nil && m.reading != nil:
		e.log.Error("reading2homekit failed", "inform_id", m.InformID(), "raw", raw, "error", err)
		return nil, false
	case err != nil:
		e.log.Error("reading not converted", "inform_id", m.InformID(), "raw", raw, "error", err)
	}

	if v == nil {
		if m.Default == nil {
			return nil, false
		}
		v = defaultValue(m)
	}

	e.log.Debug("caching", "characteristic", m.Characteristic, "inform_id", m.InformID(), "value", v, "raw", raw)
	m.setCached(v)
	return v, true
}

// ToRaw converts a normalized value into a set command for the mapping.
//
// intent selects alternative commands on StartStop mappings; pass
// IntentPauseUnpause for pause requests and "" otherwise.
func (e *Engine) ToRaw(m *Mapping, value any, intent string) (Command, error) {
	conv := e.commandConverter(m)
	v, err := conv.Denormalize(m, value)
	if err != nil {
		return Command{}, fmt.Errorf("homekit2reading %s: %w", m.InformID(), err)
	}
	if v == nil {
		return Command{}, fmt.Errorf("homekit2reading %s: %w", m.InformID(), ErrNoValue)
	}

	text := formatValue(v)
	cmd, err := resolveCommand(m, v, text, intent)
	if err != nil {
		return Command{}, err
	}

	full := "set " + m.Device + " " + cmd
	if m.CmdSuffix != nil {
		full += " " + *m.CmdSuffix
	}

	e.log.Debug("command resolved", "inform_id", m.InformID(), "value", text, "command", full)
	return Command{Device: m.Device, Value: text, Cmd: cmd, Text: full}, nil
}

// resolveCommand picks the command text: pause intent, cmdOn, cmdOff, the
// literal cmds table, the regex cmds table, then cmd followed by the value.
func resolveCommand(m *Mapping, v any, text, intent string) (string, error) {
	cmd := strings.TrimSpace(m.Cmd + " " + text)
	n, numeric := toFloat(v)
	if !numeric {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			n, numeric = f, true
		}
	}
	is := func(want float64) bool { return numeric && n == want }

	if m.Characteristic == CharStartStop && intent == IntentPauseUnpause {
		switch {
		case m.CmdPause != nil && is(1):
			cmd = *m.CmdPause
		case m.CmdUnpause != nil && is(0):
			cmd = *m.CmdUnpause
		}
		return cmd, nil
	}

	switch {
	case m.CmdOn != nil && is(1):
		return *m.CmdOn, nil
	case m.CmdOff != nil && is(0):
		return *m.CmdOff, nil
	}
	if to, ok := m.cmdTable[text]; ok {
		return to, nil
	}
	for _, rule := range m.cmdRe {
		if rule.re.MatchString(text) {
			return rule.to, nil
		}
	}
	if cmd == "" {
		return "", fmt.Errorf("%w: %s %q", ErrNoCommand, m.InformID(), text)
	}
	return cmd, nil
}

// defaultValue returns the configured default in the mapping's format.
func defaultValue(m *Mapping) any {
	d := *m.Default
	switch m.Format {
	case FormatBool:
		n, ok := parseLeadingInt(d)
		return d == "on" || d == "true" || (ok && n != 0)
	case FormatInt:
		if n, ok := parseLeadingFloat(d); ok {
			return int(n)
		}
	case FormatFloat:
		if n, ok := parseLeadingFloat(d); ok {
			return n
		}
	case FormatNone:
		if n, err := strconv.ParseFloat(d, 64); err == nil {
			return n
		}
	}
	return d
}
