package fhem

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JSONList is the answer of the jsonlist2 command.
type JSONList struct {
	Arg                  string       `json:"Arg"`
	Results              []DeviceInfo `json:"Results"`
	TotalResultsReturned int          `json:"totalResultsReturned"`
}

// DeviceInfo is one device of a jsonlist2 listing.
type DeviceInfo struct {
	Name          string                 `json:"Name"`
	PossibleSets  string                 `json:"PossibleSets"`
	PossibleAttrs string                 `json:"PossibleAttrs"`
	Internals     map[string]Text        `json:"Internals"`
	Readings      map[string]ReadingInfo `json:"Readings"`
	Attributes    map[string]Text        `json:"Attributes"`
}

// ReadingInfo is a reading value with its timestamp.
type ReadingInfo struct {
	Value Text `json:"Value"`
	Time  Text `json:"Time"`
}

// Text accepts JSON strings as well as numbers, booleans and null, which
// some FHEM modules emit for readings and internals.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(b)
	return nil
}

// Internal returns an internal value such as TYPE or NAME.
func (d DeviceInfo) Internal(name string) string {
	return string(d.Internals[name])
}

// Attr returns an attribute value.
func (d DeviceInfo) Attr(name string) string {
	return string(d.Attributes[name])
}

// Reading returns a reading value and whether the device has it.
func (d DeviceInfo) Reading(name string) (string, bool) {
	r, ok := d.Readings[name]
	return string(r.Value), ok
}

// Type returns the FHEM module type of the device.
func (d DeviceInfo) Type() string {
	return d.Internal("TYPE")
}

// HasSet reports whether the device accepts "set <dev> <cmd>".
func (d DeviceInfo) HasSet(cmd string) bool {
	for _, s := range strings.Fields(d.PossibleSets) {
		name, _, _ := strings.Cut(s, ":")
		if name == cmd {
			return true
		}
	}
	return false
}
