package device

import (
	"maps"
	"slices"

	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Device is an FHEM device exposed through its characteristic mappings.
type Device struct {
	// Name is the FHEM device name (Internals.NAME).
	Name string `json:"name"`

	// Alias is the display name. Defaults to Name.
	Alias string `json:"alias"`

	// Type is the FHEM module, e.g. "HUEDevice" or "dummy".
	Type string `json:"type"`

	// Connection names the FHEM server the device was listed on.
	Connection string `json:"connection"`

	// Rooms are the FHEM rooms from the comma separated room attribute.
	Rooms []string `json:"rooms,omitempty"`

	// RealRoom is an explicitly configured room (realRoom attribute or
	// devices file). It wins over inference.
	RealRoom string `json:"real_room,omitempty"`

	// Room is the single room the device is presented in. Empty when no
	// room could be chosen.
	Room string `json:"room,omitempty"`

	// Mappings are the prepared characteristic mappings.
	Mappings mapping.Set `json:"mappings"`

	// ColorMode marks devices reporting a colormode reading. Their xy and
	// ct readings derive h, s and v attributes.
	ColorMode bool `json:"color_mode,omitempty"`

	// Readings holds the reading values of the listing the device was
	// built from. They seed the attribute cache.
	Readings map[string]string `json:"-"`
}

// Target returns the command target of the device.
func (d *Device) Target() fhem.Target {
	return fhem.Target{
		Name:       d.Name,
		Connection: d.Connection,
		Type:       d.Type,
		Mappings:   d.Mappings,
	}
}

// Characteristics returns the characteristic names in sorted order.
func (d *Device) Characteristics() []string {
	return slices.Sorted(maps.Keys(d.Mappings))
}

// owner is the subscription owner key of the device.
func (d *Device) owner() string {
	return d.Connection + "/" + d.Name
}
