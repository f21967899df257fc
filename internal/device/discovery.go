package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// FHEM attributes read during discovery.
const (
	attrAlias             = "alias"
	attrRoom              = "room"
	attrRealRoom          = "realRoom"
	attrEventMap          = "eventMap"
	attrHomebridgeMapping = "homebridgeMapping"
	attrGenericType       = "genericDeviceType"

	readingColorMode = "colormode"
	genericIgnore    = "ignore"
)

// Lister fetches a jsonlist2 listing. *fhem.Client implements it.
type Lister interface {
	JSONList2(ctx context.Context, filter string) (*fhem.JSONList, error)
}

// Discoverer builds devices from FHEM listings and the optional devices file.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Discoverer struct {
	funcs *mapping.Funcs
	file  *File

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDiscoverer creates a discoverer preparing mappings with funcs. file
// may be nil.
func NewDiscoverer(funcs *mapping.Funcs, file *File) *Discoverer {
	if funcs == nil {
		funcs = mapping.DefaultFuncs()
	}
	return &Discoverer{funcs: funcs, file: file, logger: noopLogger{}}
}

// SetLogger sets the logger for the discoverer.
func (d *Discoverer) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	defer d.loggerMu.Unlock()
	d.logger = logger
}

func (d *Discoverer) log() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

// Discover lists the devices matching filter on one connection and builds
// every device that has mappings. Rooms are inferred over the result.
//
// Parameters:
//   - ctx: Context for the listing request
//   - connection: Name of the FHEM connection
//   - l: Source of the jsonlist2 listing
//   - filter: FHEM devspec, e.g. "room=GoogleHome"
//
// Returns:
//   - []*Device: Devices sorted by name
//   - error: If the listing fails
func (d *Discoverer) Discover(ctx context.Context, connection string, l Lister, filter string) ([]*Device, error) {
	list, err := l.JSONList2(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing devices on %s: %w", connection, err)
	}

	log := d.log()
	listed := make(map[string]bool, len(list.Results))
	devices := make([]*Device, 0, len(list.Results))
	for _, info := range list.Results {
		dev, err := d.Build(connection, info)
		switch {
		case errors.Is(err, ErrNoMappings), errors.Is(err, ErrIgnored):
			log.Debug("device skipped", "connection", connection, "device", info.Name, "reason", err)
			continue
		case err != nil:
			log.Warn("device skipped", "connection", connection, "device", info.Name, "error", err)
			continue
		}
		listed[dev.Name] = true
		devices = append(devices, dev)
	}

	if d.file != nil {
		for _, fd := range d.file.Devices {
			if fd.Connection == connection && !listed[fd.Name] {
				log.Warn("devices file entry not listed", "connection", connection, "device", fd.Name, "filter", filter)
			}
		}
	}

	InferRooms(devices)
	slices.SortFunc(devices, func(a, b *Device) int { return strings.Compare(a.Name, b.Name) })

	log.Info("devices discovered", "connection", connection, "listed", len(list.Results), "devices", len(devices))
	return devices, nil
}

// Build creates a device from one listing entry.
//
// The homebridgeMapping attribute is applied over the devices file entry.
// eventMap entries that map to on or off extend the event map of every
// mapping. Each mapping is prepared for the device.
//
// Returns ErrIgnored for devices marked genericDeviceType=ignore and
// ErrNoMappings when neither attribute nor file supply a mapping.
func (d *Discoverer) Build(connection string, info fhem.DeviceInfo) (*Device, error) {
	log := d.log()

	name := info.Name
	if name == "" {
		name = info.Internal("NAME")
	}
	if name == "" {
		return nil, fmt.Errorf("%w: listing entry without name", fhem.ErrInvalidResponse)
	}
	if info.Attr(attrGenericType) == genericIgnore {
		return nil, ErrIgnored
	}

	entry, inFile := d.file.Lookup(connection, name)
	var set mapping.Set
	if inFile {
		base, err := entry.Set(log)
		if err != nil {
			log.Error("devices file mapping", "device", name, "error", err)
		}
		set = base
	}

	if text := info.Attr(attrHomebridgeMapping); text != "" {
		parsed, err := mapping.ParseHomebridge(text, set, log)
		if err != nil {
			log.Error("homebridgeMapping ignored", "device", name, "error", err)
		}
		set = parsed
	} else if !inFile {
		return nil, ErrNoMappings
	}
	if len(set) == 0 {
		return nil, ErrNoMappings
	}

	events := parseEventMap(info.Attr(attrEventMap))
	for characteristic, ms := range set {
		for _, m := range ms {
			if m.Characteristic == "" {
				m.Characteristic = characteristic
			}
			for from, to := range events {
				if m.EventMap == nil {
					m.EventMap = make(map[string]string)
				}
				if _, ok := m.EventMap[from]; !ok {
					m.EventMap[from] = to
				}
			}
			m.Prepare(name, d.funcs, log)
		}
	}

	dev := &Device{
		Name:       name,
		Alias:      info.Attr(attrAlias),
		Type:       info.Type(),
		Connection: connection,
		Rooms:      splitRooms(info.Attr(attrRoom)),
		RealRoom:   info.Attr(attrRealRoom),
		Mappings:   set,
		Readings:   make(map[string]string, len(info.Readings)),
	}
	for reading, r := range info.Readings {
		dev.Readings[reading] = string(r.Value)
	}
	_, dev.ColorMode = info.Reading(readingColorMode)

	if inFile {
		if entry.Alias != "" {
			dev.Alias = entry.Alias
		}
		if entry.Type != "" {
			dev.Type = entry.Type
		}
		if entry.Room != "" {
			dev.RealRoom = entry.Room
		}
	}
	if dev.Alias == "" {
		dev.Alias = name
	}
	return dev, nil
}

// InferRooms chooses the room each device is presented in.
//
// An explicit RealRoom wins. Otherwise the least common of the device's
// rooms is taken, counting over all given devices. A room every device is
// in (such as a common export room) is never chosen when more than one
// device is given. Ties keep the room listed first.
func InferRooms(devices []*Device) {
	counts := make(map[string]int)
	for _, d := range devices {
		for _, r := range d.Rooms {
			counts[r]++
		}
	}

	for _, d := range devices {
		if d.RealRoom != "" {
			d.Room = d.RealRoom
			continue
		}
		d.Room = leastCommonRoom(d.Rooms, counts, len(devices))
	}
}

func leastCommonRoom(rooms []string, counts map[string]int, total int) string {
	best := ""
	for _, r := range rooms {
		if total > 1 && counts[r] >= total {
			continue
		}
		if best == "" || counts[r] < counts[best] {
			best = r
		}
	}
	return best
}

// splitRooms splits a room attribute and drops empty and repeated names.
func splitRooms(attr string) []string {
	var rooms []string
	for _, r := range strings.Split(attr, ",") {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(rooms, r) {
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms
}

// parseEventMap returns the space separated from:to entries of an eventMap
// attribute whose target is on or off.
func parseEventMap(attr string) map[string]string {
	events := make(map[string]string)
	for _, part := range strings.Fields(attr) {
		from, to, ok := strings.Cut(part, ":")
		if !ok || from == "" {
			continue
		}
		if to == "on" || to == "off" {
			events[from] = to
		}
	}
	return events
}
