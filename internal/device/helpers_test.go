package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

const listingJSON = `{
  "Arg": "room=GoogleHome",
  "Results": [
    {
      "Name": "lamp",
      "Internals": {"NAME": "lamp", "TYPE": "HUEDevice"},
      "Readings": {
        "state": {"Value": "on", "Time": "2026-03-01 12:00:00"},
        "pct": {"Value": "40", "Time": "2026-03-01 12:00:00"},
        "colormode": {"Value": "ct", "Time": "2026-03-01 12:00:00"}
      },
      "Attributes": {
        "alias": "Ceiling",
        "room": "GoogleHome,Kitchen",
        "homebridgeMapping": "On:state Brightness:pct,delay=true"
      }
    },
    {
      "Name": "plug",
      "Internals": {"NAME": "plug", "TYPE": "dummy"},
      "Readings": {"state": {"Value": "aus", "Time": "2026-03-01 12:00:00"}},
      "Attributes": {
        "room": "GoogleHome,Kitchen,Office",
        "realRoom": "Garage",
        "eventMap": "an:on aus:off dim:50%",
        "homebridgeMapping": "On:state"
      }
    },
    {
      "Name": "sensor",
      "Internals": {"NAME": "sensor", "TYPE": "CUL_HM"},
      "Readings": {},
      "Attributes": {"room": "GoogleHome"}
    },
    {
      "Name": "hidden",
      "Internals": {"NAME": "hidden", "TYPE": "dummy"},
      "Attributes": {"genericDeviceType": "ignore", "homebridgeMapping": "On:state"}
    },
    {
      "Name": "heater",
      "Internals": {"NAME": "heater", "TYPE": "dummy"},
      "Readings": {"temp": {"Value": 21.5, "Time": null}},
      "Attributes": {"room": "GoogleHome,Office"}
    }
  ],
  "totalResultsReturned": 5
}`

func testFile() *File {
	return &File{Devices: []FileDevice{
		{
			Name:  "heater",
			Alias: "Radiator",
			Mappings: map[string][]mapping.Rules{
				"CurrentTemperature": {{Reading: "temp"}},
			},
		},
	}}
}

// staticLister returns a fixed listing.
type staticLister struct {
	list   string
	filter string
	err    error
}

func (s *staticLister) JSONList2(_ context.Context, filter string) (*fhem.JSONList, error) {
	s.filter = filter
	if s.err != nil {
		return nil, s.err
	}
	var l fhem.JSONList
	if err := json.Unmarshal([]byte(s.list), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func discoverTestDevices(t *testing.T, connection string) []*Device {
	t.Helper()
	d := NewDiscoverer(nil, testFile())
	devices, err := d.Discover(context.Background(), connection, &staticLister{list: listingJSON}, "room=GoogleHome")
	require.NoError(t, err)
	return devices
}
