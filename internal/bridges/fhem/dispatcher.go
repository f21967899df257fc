package fhem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Special command names a mapping can carry in its cmd field.
const (
	CmdIdentify = "identify"
	CmdHue      = "xhue"
	CmdSat      = "xsat"
)

// hueDeviceType is the FHEM module that supports "set <dev> alert select".
const hueDeviceType = "HUEDevice"

// Target is the device a command is sent for.
type Target struct {
	// Name is the FHEM device name.
	Name string
	// Connection names the FHEM server the device lives on.
	Connection string
	// Type is the FHEM module type, e.g. "HUEDevice".
	Type string
	// Mappings are the device's prepared characteristic mappings.
	Mappings mapping.Set
}

// Dispatch describes what happened to a command.
type Dispatch struct {
	// Text is the FHEM command line. Empty when the command was skipped.
	Text string `json:"text,omitempty"`
	// Delayed is true when the command waits for its debounce interval.
	Delayed bool `json:"delayed,omitempty"`
	// Skipped is true when an On command was dropped because delayed
	// commands of the same device are pending.
	Skipped bool `json:"skipped,omitempty"`
}

// Dispatchers holds one dispatcher per FHEM connection name. The entry
// keyed "" serves targets whose connection has no dispatcher of its own.
type Dispatchers map[string]*Dispatcher

// For returns the dispatcher of t's connection or nil.
func (ds Dispatchers) For(t Target) *Dispatcher {
	if d, ok := ds[t.Connection]; ok {
		return d
	}
	return ds[""]
}

// State queries every mapping of t. Keys are characteristic names;
// further mappings of a characteristic are keyed "Name#index". Mappings
// without a value are left out, as is everything when t's connection has
// no dispatcher.
func (ds Dispatchers) State(ctx context.Context, t Target) map[string]any {
	state := make(map[string]any)
	d := ds.For(t)
	if d == nil {
		return state
	}

	names := make([]string, 0, len(t.Mappings))
	for name := range t.Mappings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for i, m := range t.Mappings[name] {
			v, err := d.Query(ctx, m)
			if err != nil {
				d.logDebug("no value", "device", t.Name, "characteristic", name, "error", err)
				continue
			}
			key := name
			if i > 0 {
				key += "#" + strconv.Itoa(i)
			}
			state[key] = v
		}
	}
	return state
}

// Close cancels the pending commands of every dispatcher.
func (ds Dispatchers) Close() {
	for _, d := range ds {
		d.Close()
	}
}

type pendingCommand struct {
	timer *time.Timer
	text  string
}

// Dispatcher turns normalized values into FHEM set commands and sends them.
//
// Mappings with a delay are debounced: a new value for the same mapping
// replaces the pending one and restarts the interval. While a device has
// pending delayed commands, switching it on is skipped so a dimmer is not
// first turned on at its previous level.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Dispatcher struct {
	exec   Executor
	engine *mapping.Engine
	cache  *attribute.Cache

	mu      sync.Mutex
	pending map[string]map[string]*pendingCommand // device -> informID/characteristic
	closed  bool

	// execTimeout bounds delayed commands, which outlive the caller's context.
	execTimeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - exec: Sends commands, usually a *Client
//   - engine: Converts values in both directions
//   - cache: Receives values fetched by Query
//
// Returns:
//   - *Dispatcher: Ready to use; call Close to cancel pending commands
func NewDispatcher(exec Executor, engine *mapping.Engine, cache *attribute.Cache) *Dispatcher {
	return &Dispatcher{
		exec:        exec,
		engine:      engine,
		cache:       cache,
		pending:     make(map[string]map[string]*pendingCommand),
		execTimeout: defaultRequestTimeout,
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Command sends value for mapping m of device t.
//
// Parameters:
//   - ctx: Context for the request (immediate commands only)
//   - t: Device the mapping belongs to
//   - m: Prepared mapping; its cmd may name identify, xhue or xsat
//   - value: Normalized value
//   - intent: mapping.IntentPauseUnpause or ""
//
// Returns:
//   - Dispatch: The command text and whether it was delayed or skipped
//   - error: Conversion or transport failure
func (d *Dispatcher) Command(ctx context.Context, t Target, m *mapping.Mapping, value any, intent string) (Dispatch, error) {
	var (
		text string
		err  error
	)

	switch m.Cmd {
	case CmdIdentify:
		text = identifyCommand(t)
	case CmdHue:
		text, err = hueCommand(t, value)
	case CmdSat:
		text, err = saturationCommand(t, value)
	default:
		if m.Characteristic == mapping.CharOn && truthy(value) && d.hasPending(t.Name) {
			d.logInfo("skipping set command while delayed commands are pending",
				"device", t.Name, "characteristic", m.Characteristic, "value", value)
			return Dispatch{Skipped: true}, nil
		}

		var cmd mapping.Command
		cmd, err = d.engine.ToRaw(m, value, intent)
		text = cmd.Text
	}
	if err != nil {
		return Dispatch{}, err
	}

	if m.Cmd == CmdIdentify || m.Cmd == CmdHue || m.Cmd == CmdSat {
		if m.CmdSuffix != nil {
			text += " " + *m.CmdSuffix
		}
	}

	if m.Delay > 0 {
		d.schedule(t.Name, m.InformID()+"/"+m.Characteristic, text, time.Duration(m.Delay)*time.Millisecond)
		return Dispatch{Text: text, Delayed: true}, nil
	}

	if _, err := d.exec.ExecuteDevice(ctx, text); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Text: text}, nil
}

// Identify makes the device signal itself.
func (d *Dispatcher) Identify(ctx context.Context, t Target) (Dispatch, error) {
	text := identifyCommand(t)
	if _, err := d.exec.ExecuteDevice(ctx, text); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Text: text}, nil
}

// Query returns the normalized value of m. A cached value is returned
// directly; otherwise the reading is fetched from FHEM, stored in the cache
// and converted.
func (d *Dispatcher) Query(ctx context.Context, m *mapping.Mapping) (any, error) {
	if v, ok := m.Cached(); ok {
		return v, nil
	}

	if m.Reading == "" {
		if m.Default == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoReading, m.InformID())
		}
		if v, ok := d.engine.ToNormalized(m, *m.Default); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoValue, m.InformID())
	}

	raw, err := d.exec.ExecuteDevice(ctx, readingsValCommand(m.Device, m.Reading))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", m.InformID(), err)
	}

	d.cache.Update(m.InformID(), raw)

	v, ok := d.engine.ToNormalized(m, raw)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrNoValue, m.InformID(), raw)
	}
	return v, nil
}

// Pending returns the number of delayed commands waiting for device.
func (d *Dispatcher) Pending(device string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[device])
}

// Close cancels every pending delayed command. Safe to call multiple times.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for device, cmds := range d.pending {
		for _, p := range cmds {
			p.timer.Stop()
		}
		delete(d.pending, device)
	}
}

func (d *Dispatcher) hasPending(device string) bool {
	return d.Pending(device) > 0
}

// schedule replaces the pending command under key and restarts its timer.
func (d *Dispatcher) schedule(device, key, text string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	cmds := d.pending[device]
	if cmds == nil {
		cmds = make(map[string]*pendingCommand)
		d.pending[device] = cmds
	}
	if old := cmds[key]; old != nil {
		old.timer.Stop()
	}

	p := &pendingCommand{text: text}
	p.timer = time.AfterFunc(delay, func() { d.fire(device, key, p) })
	cmds[key] = p

	d.logDebug("command delayed", "device", device, "command", text, "delay", delay.String())
}

// fire sends a delayed command unless it was superseded or cancelled.
func (d *Dispatcher) fire(device, key string, p *pendingCommand) {
	d.mu.Lock()
	if d.pending[device][key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending[device], key)
	if len(d.pending[device]) == 0 {
		delete(d.pending, device)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.execTimeout)
	defer cancel()

	if _, err := d.exec.ExecuteDevice(ctx, p.text); err != nil {
		d.logError("delayed command failed", err, "device", device, "command", p.text)
	}
}

func identifyCommand(t Target) string {
	if t.Type == hueDeviceType {
		return "set " + t.Name + " alert select"
	}
	return "set " + t.Name + " toggle; sleep 1; set " + t.Name + " toggle"
}

// hueCommand scales a hue in degrees onto the device's hue range.
func hueCommand(t Target, value any) (string, error) {
	hue := t.Mappings.First(mapping.CharHue)
	if hue == nil || hue.Max == nil || hue.MaxValue == nil || *hue.MaxValue == 0 {
		return "", fmt.Errorf("%w: %s %s", ErrNoMapping, t.Name, mapping.CharHue)
	}
	v, ok := number(value)
	if !ok {
		return "", fmt.Errorf("%w: hue %v", mapping.ErrNotNumeric, value)
	}
	scaled := math.Floor(v * *hue.Max / *hue.MaxValue + 0.5)
	return "set " + hue.Device + " hue " + strconv.FormatFloat(scaled, 'f', -1, 64), nil
}

// saturationCommand scales a saturation in percent onto the device's range.
func saturationCommand(t Target, value any) (string, error) {
	sat := t.Mappings.First(mapping.CharSat)
	if sat == nil || sat.Max == nil {
		return "", fmt.Errorf("%w: %s %s", ErrNoMapping, t.Name, mapping.CharSat)
	}
	v, ok := number(value)
	if !ok {
		return "", fmt.Errorf("%w: saturation %v", mapping.ErrNotNumeric, value)
	}
	scaled := v / 100 * *sat.Max
	return "set " + sat.Device + " sat " + strconv.FormatFloat(scaled, 'f', -1, 64), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	n, ok := number(v)
	return ok && n != 0
}

func (d *Dispatcher) loggerRef() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if l := d.loggerRef(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if l := d.loggerRef(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, err error, keysAndValues ...any) {
	if l := d.loggerRef(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
