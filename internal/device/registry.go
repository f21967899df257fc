package device

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Querier fetches the value of a mapping bound to a reading that is not in
// the cache yet. *fhem.Dispatcher implements it.
type Querier interface {
	Query(ctx context.Context, m *mapping.Mapping) (any, error)
}

// Change is a normalized characteristic value change.
type Change struct {
	Device         string    `json:"device"`
	Connection     string    `json:"connection"`
	Characteristic string    `json:"characteristic"`
	Index          int       `json:"index"`
	InformID       string    `json:"inform_id"`
	Value          any       `json:"value"`
	At             time.Time `json:"at"`
}

// ChangeListener receives characteristic changes. It runs on the goroutine
// that updated the attribute cache and must not block.
type ChangeListener func(Change)

// Registry holds the discovered devices and binds their mappings to the
// attribute registry.
//
// Devices are replaced per connection on every discovery. Returned devices
// are shared and must not be modified.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
type Registry struct {
	attrs  *attribute.Registry
	cache  *attribute.Cache
	engine *mapping.Engine
	colors *attribute.ColorDerivation

	mu      sync.RWMutex
	devices map[string]*Device
	byConn  map[string][]string

	listenersMu sync.RWMutex
	listeners   []ChangeListener

	logger Logger
	now    func() time.Time
}

// NewRegistry creates an empty device registry.
//
// Parameters:
//   - attrs: Attribute registry the mappings subscribe to
//   - cache: Attribute cache seeded from listings
//   - engine: Conversion engine for initial values
//
// Returns:
//   - *Registry: Empty registry
func NewRegistry(attrs *attribute.Registry, cache *attribute.Cache, engine *mapping.Engine) *Registry {
	return &Registry{
		attrs:   attrs,
		cache:   cache,
		engine:  engine,
		devices: make(map[string]*Device),
		byConn:  make(map[string][]string),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetColorDerivation enables h, s and v derivation for ColorMode devices.
func (r *Registry) SetColorDerivation(c *attribute.ColorDerivation) {
	r.colors = c
}

// OnChange registers a listener for characteristic changes.
func (r *Registry) OnChange(l ChangeListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Load replaces the devices of one connection.
//
// Mappings of the previous devices are unsubscribed. Each new mapping is
// subscribed and its initial value computed: from the cache when the
// reading is known, else from the device's listing, else (for mappings on
// other devices) through q. Listing values seed the cache unless the
// mapping is marked nocache.
//
// A device name already registered by another connection is skipped.
//
// Parameters:
//   - ctx: Context for queries through q
//   - connection: Name of the FHEM connection the devices come from
//   - devices: Devices built by a Discoverer
//   - q: Querier for readings of other devices; may be nil
//
// Returns:
//   - int: Number of devices registered
func (r *Registry) Load(ctx context.Context, connection string, devices []*Device, q Querier) int {
	r.mu.Lock()
	for _, name := range r.byConn[connection] {
		old, ok := r.devices[name]
		if !ok || old.Connection != connection {
			continue
		}
		r.attrs.UnsubscribeOwner(old.owner())
		if r.colors != nil && old.ColorMode {
			r.colors.Disable(old.Name)
		}
		delete(r.devices, name)
	}

	added := make([]*Device, 0, len(devices))
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		if other, ok := r.devices[d.Name]; ok {
			r.logger.Warn("device name registered by another connection",
				"device", d.Name, "connection", connection, "registered_by", other.Connection)
			continue
		}
		d.Connection = connection
		r.devices[d.Name] = d
		names = append(names, d.Name)
		added = append(added, d)
	}
	r.byConn[connection] = names
	r.mu.Unlock()

	for _, d := range added {
		for characteristic, ms := range d.Mappings {
			for i, m := range ms {
				r.attrs.Subscribe(m.InformID(), d.owner(), m, r.callback(d, characteristic, i))
			}
		}
		if r.colors != nil && d.ColorMode {
			r.colors.Enable(d.Name)
		}
	}
	for _, d := range added {
		for _, m := range d.Mappings.All() {
			r.seed(ctx, d, m, q)
		}
	}

	r.logger.Info("devices loaded", "connection", connection, "count", len(added))
	return len(added)
}

// seed computes the initial value of m.
func (r *Registry) seed(ctx context.Context, d *Device, m *mapping.Mapping, q Querier) {
	if m.Reading == "" {
		if m.Default != nil {
			r.engine.ToNormalized(m, *m.Default)
		}
		return
	}

	id := m.InformID()
	raw, ok := r.cache.Get(id)
	if !ok {
		if m.Device != d.Name {
			if q == nil {
				return
			}
			if _, err := q.Query(ctx, m); err != nil {
				r.logger.Debug("initial query failed", "device", d.Name, "inform_id", id, "error", err)
			}
			return
		}
		raw, ok = d.Readings[m.Reading]
		if !ok {
			return
		}
		if !m.NoCache {
			r.cache.Update(id, raw)
		}
	}
	if _, cached := m.Cached(); !cached {
		r.engine.ToNormalized(m, raw)
	}
}

func (r *Registry) callback(d *Device, characteristic string, index int) attribute.Callback {
	return func(id string, _ *mapping.Mapping, value any) {
		r.emit(Change{
			Device:         d.Name,
			Connection:     d.Connection,
			Characteristic: characteristic,
			Index:          index,
			InformID:       id,
			Value:          value,
			At:             r.now().UTC(),
		})
	}
}

func (r *Registry) emit(c Change) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(c)
	}
}

// Device returns a device by name.
func (r *Registry) Device(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// Devices returns all devices sorted by name.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Device) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Target implements fhem.Devices.
func (r *Registry) Target(name string) (fhem.Target, bool) {
	d, ok := r.Device(name)
	if !ok {
		return fhem.Target{}, false
	}
	return d.Target(), true
}

// Targets implements fhem.Devices.
func (r *Registry) Targets() []fhem.Target {
	devices := r.Devices()
	out := make([]fhem.Target, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Target())
	}
	return out
}

// Rooms returns device names grouped by presented room. Devices without a
// room are left out.
func (r *Registry) Rooms() map[string][]string {
	rooms := make(map[string][]string)
	for _, d := range r.Devices() {
		if d.Room != "" {
			rooms[d.Room] = append(rooms[d.Room], d.Name)
		}
	}
	return rooms
}
