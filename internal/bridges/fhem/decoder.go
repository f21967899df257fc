package fhem

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Record is one decoded longpoll event.
type Record struct {
	// ID is the attribute id "<device>-<reading>".
	ID      string
	Device  string
	Reading string
	Value   string
}

var (
	timestampKey = regexp.MustCompile(`-ts$`)
	fhemwebKey   = regexp.MustCompile(`^#FHEMWEB:`)
)

// Decode parses one longpoll line.
//
// The second result is false for lines that carry no reading: timestamps,
// FHEMWEB internals, command echoes, keys without a device-reading split and
// malformed input. Decode never panics.
func Decode(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Record{}, false
	}

	var key, value string
	if strings.HasPrefix(line, "[") {
		var fields []json.RawMessage
		if err := json.Unmarshal([]byte(line), &fields); err != nil || len(fields) < 2 {
			return Record{}, false
		}
		if err := json.Unmarshal(fields[0], &key); err != nil {
			return Record{}, false
		}
		value = rawText(fields[1])
	} else {
		parts := strings.SplitN(line, "<<", 3)
		if len(parts) < 2 {
			return Record{}, false
		}
		key, value = parts[0], parts[1]
	}

	if timestampKey.MatchString(key) || fhemwebKey.MatchString(key) {
		return Record{}, false
	}
	if mapping.IsEcho(value) {
		return Record{}, false
	}

	device, reading, ok := strings.Cut(key, "-")
	if !ok || device == "" || reading == "" {
		return Record{}, false
	}

	return Record{ID: key, Device: device, Reading: reading, Value: value}, true
}

// rawText returns a JSON string's content or the literal text of any other
// JSON value.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
