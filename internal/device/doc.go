// Package device provides the device registry of the FHEM bridge.
//
// Devices are discovered from FHEM with jsonlist2. Each listed device that
// carries a homebridgeMapping attribute, or has an entry in the devices
// file, becomes a Device with prepared characteristic mappings.
//
// # Architecture
//
//	┌──────────────┐  jsonlist2   ┌──────────────┐   Load    ┌──────────────┐
//	│  fhem.Client │─────────────▶│  Discoverer  │──────────▶│   Registry   │
//	└──────────────┘              │ (discovery)  │           │ (registry.go)│
//	                              │ • mappings   │           │ • subscribe  │
//	  devices.yaml / .toml ──────▶│ • eventMap   │           │ • seed cache │
//	                              │ • rooms      │           │ • OnChange   │
//	                              └──────────────┘           └──────┬───────┘
//	                                                                │
//	   attribute.Cache ── OnChange ──▶ HistoryRecorder ──▶ SQLite reading_history
//
// # Rooms
//
// A device may list several FHEM rooms. The presented room is the realRoom
// attribute when set; otherwise the least common of the device's rooms.
// A room shared by every exported device is never chosen.
//
// # Usage
//
//	disc := device.NewDiscoverer(mapping.DefaultFuncs(), file)
//	devices, err := disc.Discover(ctx, "home", client, "room=GoogleHome")
//	if err != nil {
//	    return err
//	}
//	registry.Load(ctx, "home", devices, dispatcher)
//
// # Thread Safety
//
// Registry, Discoverer and HistoryRecorder are safe for concurrent use.
// Devices returned by the registry are shared and must be treated as
// read-only.
package device
