package mapping

import (
	"regexp"
	"strings"
)

// Logger is the logging surface used by this package. *slog.Logger and
// logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var entryPattern = regexp.MustCompile(`^([^:]*)(:(.*))?$`)

// Prepare binds the mapping to a device and compiles its tables.
//
// Malformed entries are logged and skipped. A conversion function name that is
// not registered in funcs disables that conversion, so the built-in rules apply.
func (m *Mapping) Prepare(device string, funcs *Funcs, log Logger) {
	if m.Device == "" {
		m.Device = device
	}
	if m.Reading == "" && m.Default == nil {
		m.Reading = "state"
	}
	if m.Format == FormatNone {
		m.Format = FormatOfCharacteristic(m.Characteristic)
	}
	if m.Cmd == "" && m.Reading != "state" {
		m.Cmd = m.Reading
	}
	if m.Characteristic == CharOn && m.CmdOn == nil && m.CmdOff == nil && m.Cmds == nil {
		m.CmdOn, m.CmdOff = stringPtr("on"), stringPtr("off")
	}
	m.informID = m.Device + "-" + m.Reading

	m.prepareValues(log)
	m.prepareCmds(log)
	m.valueOnRe, m.ValueOn = compileSlashed(m.ValueOn, "valueOn", m.informID, log)
	m.valueOffRe, m.ValueOff = compileSlashed(m.ValueOff, "valueOff", m.informID, log)

	m.reading, m.command = nil, nil
	if m.ReadingFunc != "" {
		if fn, ok := funcs.reading(m.ReadingFunc); ok {
			m.reading = funcConverter{read: fn}
		} else {
			log.Error("reading2homekit disabled", "inform_id", m.informID, "function", m.ReadingFunc, "error", ErrUnknownFunc)
			m.ReadingFunc = ""
		}
	}
	if m.CommandFunc != "" {
		if fn, ok := funcs.command(m.CommandFunc); ok {
			m.command = funcConverter{write: fn}
		} else {
			log.Error("homekit2reading disabled", "inform_id", m.informID, "function", m.CommandFunc, "error", ErrUnknownFunc)
			m.CommandFunc = ""
		}
	}
}

// FormatOfCharacteristic returns the format implied by a characteristic name.
func FormatOfCharacteristic(characteristic string) Format {
	switch characteristic {
	case CharOn:
		return FormatBool
	case "Actuation", "Volume":
		return FormatInt
	}
	return FormatNone
}

func (m *Mapping) prepareValues(log Logger) {
	m.valueTable, m.valueRe = nil, nil
	if m.Values == nil {
		return
	}
	m.valueTable = make(map[string]string)
	for _, entry := range m.Values {
		match := entryPattern.FindStringSubmatch(entry)
		if match == nil {
			log.Error("values: format wrong", "inform_id", m.informID, "entry", entry)
			continue
		}
		from := match[1]
		to := entry
		if match[2] != "" {
			to = match[3]
		}
		to = plusToSpace(to)

		if pattern, ok := slashed(from); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				log.Error("values: invalid regex", "inform_id", m.informID, "entry", entry, "error", err)
				continue
			}
			m.valueRe = append(m.valueRe, regexRule{re: re, to: to})
			continue
		}
		m.valueTable[plusToSpace(from)] = to
	}
}

func (m *Mapping) prepareCmds(log Logger) {
	m.cmdTable, m.cmdRe = nil, nil
	if m.Cmds == nil {
		return
	}
	m.cmdTable = make(map[string]string)
	for _, entry := range m.Cmds {
		match := entryPattern.FindStringSubmatch(entry)
		if match == nil {
			log.Error("cmds: format wrong", "inform_id", m.informID, "entry", entry)
			continue
		}
		from := match[1]
		to := from
		if match[2] != "" {
			to = match[3]
		}
		to = plusToSpace(to)

		if pattern, ok := slashed(from); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				log.Error("cmds: invalid regex", "inform_id", m.informID, "entry", entry, "error", err)
				continue
			}
			m.cmdRe = append(m.cmdRe, regexRule{re: re, to: to})
			continue
		}
		m.cmdTable[plusToSpace(from)] = to
	}
}

// slashed reports whether s has the /regex/ form and returns the pattern.
func slashed(s string) (string, bool) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// compileSlashed compiles a /regex/ valueOn or valueOff. An invalid pattern
// disables the field.
func compileSlashed(s *string, field, informID string, log Logger) (*regexp.Regexp, *string) {
	if s == nil {
		return nil, nil
	}
	pattern, ok := slashed(*s)
	if !ok {
		return nil, s
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Error("invalid regex disabled", "inform_id", informID, "field", field, "error", err)
		return nil, nil
	}
	return re, s
}

func plusToSpace(s string) string {
	return strings.ReplaceAll(s, "+", " ")
}
