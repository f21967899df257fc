package mapping

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	floatPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*([eE][+-]?\d+)?|\.\d+([eE][+-]?\d+)?)`)
	intPrefix   = regexp.MustCompile(`^[+-]?\d+`)
)

// parseLeadingFloat parses the numeric prefix of s, so "21.5 (Celsius)"
// yields 21.5. FHEM readings often carry a unit after the value.
func parseLeadingFloat(s string) (float64, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	m := floatPrefix.FindString(s)
	if m == "" {
		return math.NaN(), false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return math.NaN(), false
	}
	return f, true
}

// parseLeadingInt parses the integer prefix of s.
func parseLeadingInt(s string) (float64, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	m := intPrefix.FindString(s)
	if m == "" {
		return math.NaN(), false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return math.NaN(), false
	}
	return f, true
}

// roundHalfUp rounds to the nearest integer with halves going up.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// formatNumber renders a number the way it is sent to FHEM: integers without
// a fraction, everything else in the shortest exact form.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// toFloat reports the numeric value of v for the numeric Go types and bool.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint8:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// formatValue renders a normalized or converted value as command text.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	if f, ok := toFloat(v); ok {
		return formatNumber(f)
	}
	return fmt.Sprint(v)
}

func isSet(p *float64) bool { return p != nil }

// nonZero mirrors the truthiness checks on numeric rule parameters.
func nonZero(p *float64) bool { return p != nil && *p != 0 }
