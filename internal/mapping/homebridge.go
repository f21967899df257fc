package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var characteristicPattern = regexp.MustCompile(`^(.*?)(:|=)(.*)$`)

// ParseHomebridge applies a homebridgeMapping attribute to base and returns
// the resulting set. base is not modified.
//
// Two forms are accepted. A JSON object keyed by characteristic replaces base
// entirely. The text form is a whitespace separated list of
// Characteristic:param,param,... entries where a param is either
// [cmd:][device:]reading, key=value, invert, clear, or the name of another
// characteristic to copy. Entries with wrong syntax are logged and skipped.
func ParseHomebridge(text string, base Set, log Logger) (Set, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		set, err := parseHomebridgeJSON([]byte(trimmed))
		if err != nil {
			return base.Clone(), fmt.Errorf("homebridgeMapping: %w", err)
		}
		return set, nil
	}

	set := base.Clone()
	seen := make(map[string]bool)
	for _, entry := range strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == '\n' || r == '\r' || r == '\t' }) {
		if strings.HasPrefix(entry, "#") {
			continue
		}
		if entry == "clear" {
			set = Set{}
			continue
		}

		match := characteristicPattern.FindStringSubmatch(entry)
		if match == nil || match[3] == "" {
			log.Error("homebridgeMapping: wrong syntax", "entry", entry, "error", ErrSyntax)
			continue
		}
		characteristic, params := match[1], match[3]

		var cur *Mapping
		if !seen[characteristic] && len(set[characteristic]) > 0 {
			cur = set[characteristic][0]
		} else {
			cur = New(Rules{Characteristic: characteristic})
			set[characteristic] = append(set[characteristic], cur)
		}
		seen[characteristic] = true

		for _, param := range strings.Split(params, ",") {
			if param == "clear" {
				delete(set, characteristic)
				cur = New(Rules{Characteristic: characteristic})
				continue
			}
			if _, ok := set[characteristic]; !ok {
				set[characteristic] = []*Mapping{cur}
			}

			kv := strings.Split(param, "=")
			switch len(kv) {
			case 2:
				setParam(cur, kv[0], kv[1], log)
			case 1:
				if other := set.First(param); other != nil && param != characteristic {
					cur = New(other.Rules)
					cur.Characteristic = characteristic
					set[characteristic] = []*Mapping{cur}
					continue
				}
				if param == "invert" {
					cur.Invert = true
					continue
				}
				setSource(cur, param)
			default:
				log.Error("homebridgeMapping: wrong syntax", "param", param, "error", ErrSyntax)
			}
		}
	}
	return set, nil
}

// setSource applies a [cmd:][device:]reading param.
func setSource(m *Mapping, param string) {
	p := strings.Split(param, ":")
	if reading := p[len(p)-1]; reading != "" {
		m.Reading = reading
	}
	if len(p) > 1 && p[len(p)-2] != "" {
		m.Device = p[len(p)-2]
	}
	if len(p) > 2 && p[len(p)-3] != "" {
		m.Cmd = p[len(p)-3]
	}
}

func setParam(m *Mapping, key, value string, log Logger) {
	switch key {
	case "values":
		m.Values = strings.Split(value, ";")
	case "valid":
		m.Valid = strings.Split(value, ";")
	case "cmds":
		m.Cmds = strings.Split(value, ";")
	case "delay":
		m.Delay = parseDelay(value)
	case "minValue", "maxValue", "minStep", "min", "max", "factor", "threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Error("homebridgeMapping: not a number", "param", key, "value", value, "error", err)
			return
		}
		*numericParam(m, key) = &f
	case "part":
		n, err := strconv.Atoi(value)
		if err != nil {
			log.Error("homebridgeMapping: not a number", "param", key, "value", value, "error", err)
			return
		}
		m.Part = &n
	case "default":
		m.Default = stringPtr(value)
	case "invert":
		m.Invert = value != "0" && value != "false"
	case "nocache":
		m.NoCache = value != "0" && value != "false"
	case "reading":
		m.Reading = value
	case "device":
		m.Device = value
	case "format":
		m.Format = Format(strings.ToLower(value))
	case "reading2homekit":
		m.ReadingFunc = value
	case "homekit2reading":
		m.CommandFunc = value
	default:
		if p := stringParam(m, key); p != nil {
			*p = stringPtr(plusToSpace(value))
			return
		}
		if key == "cmd" {
			m.Cmd = plusToSpace(value)
			return
		}
		log.Debug("homebridgeMapping: parameter ignored", "param", key, "value", value)
	}
}

func numericParam(m *Mapping, key string) **float64 {
	switch key {
	case "minValue":
		return &m.MinValue
	case "maxValue":
		return &m.MaxValue
	case "minStep":
		return &m.MinStep
	case "min":
		return &m.Min
	case "max":
		return &m.Max
	case "factor":
		return &m.Factor
	}
	return &m.Threshold
}

func stringParam(m *Mapping, key string) **string {
	switch key {
	case "valueOn":
		return &m.ValueOn
	case "valueOff":
		return &m.ValueOff
	case "cmdOn":
		return &m.CmdOn
	case "cmdOff":
		return &m.CmdOff
	case "cmdPause":
		return &m.CmdPause
	case "cmdUnpause":
		return &m.CmdUnpause
	case "cmdSuffix":
		return &m.CmdSuffix
	}
	return nil
}

func parseHomebridgeJSON(data []byte) (Set, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	set := make(Set, len(raw))
	for characteristic, msg := range raw {
		var list []Rules
		if bytes.HasPrefix(bytes.TrimSpace(msg), []byte("[")) {
			if err := json.Unmarshal(msg, &list); err != nil {
				return nil, fmt.Errorf("%s: %w", characteristic, err)
			}
		} else {
			var r Rules
			if err := json.Unmarshal(msg, &r); err != nil {
				return nil, fmt.Errorf("%s: %w", characteristic, err)
			}
			list = []Rules{r}
		}
		for _, r := range list {
			r.Characteristic = characteristic
			set[characteristic] = append(set[characteristic], New(r))
		}
	}
	return set, nil
}

// Clone returns an unprepared deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, ms := range s {
		for _, m := range ms {
			out[k] = append(out[k], New(m.Rules))
		}
	}
	return out
}
