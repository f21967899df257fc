package mapping

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// errEcho marks a reading that is the echo of an outbound set command.
var errEcho = errors.New("mapping: command echo")

var (
	echoPattern    = regexp.MustCompile(`^set[-_]`)
	channelOffRe   = regexp.MustCompile(`^[A-D]0$`)
	temperatureSet = map[string]bool{
		"temperature":        true,
		"measured":           true,
		"measured-temp":      true,
		"desired-temp":       true,
		"desired":            true,
		"desiredTemperature": true,
	}
)

// IsEcho reports whether a raw value is a pending set command rather than
// device state.
func IsEcho(raw string) bool {
	return echoPattern.MatchString(raw)
}

// rulesConverter is the built-in conversion pipeline driven by Rules.
type rulesConverter struct {
	log Logger
}

// Normalize runs the reading through the built-in rules.
func (c rulesConverter) Normalize(m *Mapping, raw string) (any, error) {
	switch {
	case temperatureSet[m.Reading]:
		return c.temperature(m, raw)
	case m.Reading == "humidity" || m.Reading == "pct" || m.Reading == "reachable":
		n, ok := parseLeadingInt(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
		}
		return int(n), nil
	case m.Reading == "onoff":
		n, ok := parseLeadingInt(raw)
		return ok && n != 0, nil
	case m.Reading == "state" && m.Characteristic == CharOn && m.Values == nil &&
		m.ReadingFunc == "" && m.ValueOn == nil && m.ValueOff == nil:
		return c.onState(m, raw)
	}
	return c.generic(m, raw)
}

func (c rulesConverter) temperature(m *Mapping, raw string) (any, error) {
	var v float64
	switch raw {
	case "on":
		v = 31.0
	case "off":
		v = 4.0
	default:
		f, ok := parseLeadingFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
		}
		v = f
	}

	if isSet(m.MinValue) && v < *m.MinValue {
		v = *m.MinValue
	} else if isSet(m.MaxValue) && v > *m.MaxValue {
		v = *m.MaxValue
	}
	return quantize(v, m.MinStep, m.MinValue), nil
}

func (c rulesConverter) onState(m *Mapping, raw string) (any, error) {
	if IsEcho(raw) {
		return nil, errEcho
	}
	value := raw
	if mapped, ok := m.EventMap[value]; ok {
		value = mapped
	}

	on := !(value == "off" || value == "000000" || channelOffRe.MatchString(value))
	if m.Format == FormatBool {
		return on, nil
	}
	if on {
		return 1, nil
	}
	return 0, nil
}

// generic applies steps echo filter, event map, part, threshold, values
// tables, format, scaling, clamping, stepping and inversion in that order.
func (c rulesConverter) generic(m *Mapping, raw string) (any, error) {
	if IsEcho(raw) {
		return nil, errEcho
	}

	value := raw
	if mapped, ok := m.EventMap[value]; ok {
		c.log.Debug("eventMap applied", "inform_id", m.InformID(), "value", value, "mapped", mapped)
		value = mapped
	}

	if m.Part != nil {
		parts := strings.Split(value, " ")
		if *m.Part < 0 || *m.Part >= len(parts) {
			c.log.Error("value has no such part", "inform_id", m.InformID(), "value", value, "part", *m.Part)
			return value, nil
		}
		value = parts[*m.Part]
	}

	if nonZero(m.Threshold) {
		f, _ := parseLeadingFloat(value)
		if f > *m.Threshold {
			value = "1"
		} else {
			value = "0"
		}
	}

	if m.valueTable != nil || m.valueRe != nil {
		mapped, ok := lookupValue(m, value)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnhandledValue, value)
		}
		c.log.Debug("values applied", "inform_id", m.InformID(), "value", value, "mapped", mapped)
		value = mapped
	}

	format := m.Format
	if format == FormatNone {
		if _, ok := parseLeadingFloat(value); ok {
			format = FormatFloat
		} else {
			format = FormatString
		}
	}
	if format == FormatString {
		return value, nil
	}

	minV, maxV := m.MinValue, m.MaxValue
	var v float64
	switch format {
	case FormatBool:
		v = boolValue(m, value)
		if nonZero(m.Factor) {
			v *= *m.Factor
		}
		if m.Invert {
			minV, maxV = floatPtr(0), floatPtr(1)
		}
	case FormatFloat, FormatInt:
		f, ok := parseLeadingFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, value)
		}
		v = f
		if nonZero(m.Factor) {
			v *= *m.Factor
		}
		if format == FormatInt {
			v = math.Trunc(v + 0.5)
		}
	}

	if nonZero(m.Max) && nonZero(m.MaxValue) {
		v = roundTo(v * *m.MaxValue / *m.Max, 2)
	}

	if isSet(minV) && v < *minV {
		v = *minV
	} else if isSet(maxV) && v > *maxV {
		v = *maxV
	}

	v = quantize(v, m.MinStep, minV)

	if format == FormatInt {
		v = math.Trunc(v)
	}
	if math.IsNaN(v) {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
	}
	if m.Invert {
		v = invert(v, minV, maxV)
	}

	switch format {
	case FormatBool:
		return math.Trunc(v) != 0, nil
	case FormatInt:
		return int(v), nil
	}
	return v, nil
}

// Denormalize applies the numeric inverse of the rules: inversion, factor
// and range scaling. Non-numeric values pass through unchanged.
func (c rulesConverter) Denormalize(m *Mapping, value any) (any, error) {
	v, ok := toFloat(value)
	if !ok {
		return value, nil
	}

	if m.Invert {
		minV, maxV := m.MinValue, m.MaxValue
		if m.Format == FormatBool {
			minV, maxV = floatPtr(0), floatPtr(1)
		}
		v = invert(v, minV, maxV)
	}
	if nonZero(m.Factor) {
		v /= *m.Factor
	}
	if nonZero(m.Max) && nonZero(m.MaxValue) {
		v = roundTo(v * *m.Max / *m.MaxValue, 2)
	}
	return v, nil
}

// lookupValue resolves a reading through the values tables. Regex entries are
// tried first in declared order, an exact literal entry overrides them and the
// default applies when neither matches.
func lookupValue(m *Mapping, value string) (string, bool) {
	mapped, found := "", false
	for _, rule := range m.valueRe {
		if rule.re.MatchString(value) {
			mapped, found = rule.to, true
			break
		}
	}
	if found && mapped == "#" {
		mapped = value
	}
	if to, ok := m.valueTable[value]; ok {
		mapped, found = to, true
	}
	if !found && m.Default != nil {
		mapped, found = *m.Default, true
	}
	return mapped, found
}

// boolValue evaluates valueOn, then valueOff, then the on/off literals.
func boolValue(m *Mapping, value string) float64 {
	mapped := -1.0
	if m.ValueOn != nil {
		if matches(value, *m.ValueOn, m.valueOnRe) {
			mapped = 1
		} else {
			mapped = 0
		}
	}
	if m.ValueOff != nil {
		if matches(value, *m.ValueOff, m.valueOffRe) {
			mapped = 0
		} else if mapped < 0 {
			mapped = 1
		}
	}
	if m.ValueOn == nil && m.ValueOff == nil {
		switch value {
		case "on":
			mapped = 1
		case "off":
			mapped = 0
		default:
			if n, ok := parseLeadingInt(value); ok && n != 0 {
				mapped = 1
			} else {
				mapped = 0
			}
		}
	}
	return mapped
}

func matches(value, literal string, re *regexp.Regexp) bool {
	if re != nil {
		return re.MatchString(value)
	}
	return value == literal
}

// quantize rounds v to a multiple of step measured from minValue.
func quantize(v float64, step, minValue *float64) float64 {
	if !nonZero(step) {
		return v
	}
	offset := 0.0
	if nonZero(minValue) {
		offset = *minValue
	}
	v -= offset
	v = roundTo(roundHalfUp(v / *step) * *step, 1)
	return v + offset
}

func invert(v float64, minV, maxV *float64) float64 {
	switch {
	case isSet(minV) && isSet(maxV):
		return *maxV - v + *minV
	case isSet(maxV):
		return *maxV - v
	default:
		return 100 - v
	}
}
