package attribute

import (
	"strconv"
	"strings"
	"sync"

	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Update is one derived attribute value.
type Update struct {
	ID    string
	Value string
}

// Derivation computes synthetic attributes from a primary update. It must
// never return an update for its input id.
type Derivation interface {
	Derive(id, raw string) []Update
}

// DerivationFunc adapts a function to the Derivation interface.
type DerivationFunc func(id, raw string) []Update

// Derive implements Derivation.
func (f DerivationFunc) Derive(id, raw string) []Update { return f(id, raw) }

// ColorDerivation turns xy and ct readings of colour-mode lights into h, s
// and v attributes in 0..1.
type ColorDerivation struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

// NewColorDerivation creates a derivation with no devices enabled.
func NewColorDerivation() *ColorDerivation {
	return &ColorDerivation{devices: make(map[string]struct{})}
}

// Enable turns on derivation for a device that reports a colormode reading.
func (d *ColorDerivation) Enable(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[device] = struct{}{}
}

// Disable stops derivation for a device.
func (d *ColorDerivation) Disable(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, device)
}

func (d *ColorDerivation) enabled(device string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.devices[device]
	return ok
}

// Derive implements Derivation.
func (d *ColorDerivation) Derive(id, raw string) []Update {
	device, reading, ok := SplitID(id)
	if !ok || !d.enabled(device) {
		return nil
	}

	var rgb string
	switch reading {
	case "xy":
		xy := strings.Split(raw, ",")
		if len(xy) < 2 {
			return nil
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if errX != nil || errY != nil {
			return nil
		}
		rgb = mapping.XYYToRGB(x, y, 1)
	case "ct":
		ct, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil
		}
		rgb = mapping.CTToRGB(ct)
	default:
		return nil
	}

	h, s, v, err := mapping.RGBToHSV(rgb)
	if err != nil {
		return nil
	}
	return []Update{
		{ID: ID(device, "h"), Value: formatUnit(h)},
		{ID: ID(device, "s"), Value: formatUnit(s)},
		{ID: ID(device, "v"), Value: formatUnit(v)},
	}
}

func formatUnit(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
