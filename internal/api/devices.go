package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/device"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// characteristicResponse is the body of the characteristic endpoints.
type characteristicResponse struct {
	Device         string `json:"device"`
	Characteristic string `json:"characteristic"`
	Index          int    `json:"index"`
	Value          any    `json:"value,omitempty"`
	Command        string `json:"command,omitempty"`
	Delayed        bool   `json:"delayed,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
}

// setCharacteristicRequest is the body of PUT .../characteristics/{characteristic}.
type setCharacteristicRequest struct {
	Value  json.RawMessage `json:"value"`
	Index  int             `json:"index"`
	Intent string          `json:"intent"`
}

// handleListDevices returns all devices.
//
// Query parameters:
//   - room: only devices presented in this room
//   - connection: only devices of this FHEM connection
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	connection := r.URL.Query().Get("connection")

	devices := make([]*device.Device, 0, s.registry.Len())
	for _, d := range s.registry.Devices() {
		if room != "" && d.Room != room {
			continue
		}
		if connection != "" && d.Connection != connection {
			continue
		}
		devices = append(devices, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleGetDeviceState queries every mapping of a device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device": d.Name,
		"state":  s.dispatchers.State(r.Context(), d.Target()),
	})
}

// snapshotConcurrency bounds the devices queried at once for a snapshot.
const snapshotConcurrency = 4

// snapshot queries the state of the named devices, or of every device when
// names is empty. It backs WebSocket snapshot requests.
func (s *Server) snapshot(ctx context.Context, names []string) (map[string]any, []string) {
	var (
		targets []*device.Device
		unknown []string
	)
	if len(names) == 0 {
		targets = s.registry.Devices()
	}
	for _, name := range names {
		if d, ok := s.registry.Device(name); ok {
			targets = append(targets, d)
		} else {
			unknown = append(unknown, name)
		}
	}

	var (
		mu     sync.Mutex
		states = make(map[string]any, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)
	for _, d := range targets {
		g.Go(func() error {
			state := s.dispatchers.State(gctx, d.Target())
			mu.Lock()
			states[d.Name] = state
			mu.Unlock()
			return nil
		})
	}
	//nolint:errcheck // the workers never fail
	g.Wait()

	return states, unknown
}

// handleIdentify makes a device signal itself. A mapping named "identify"
// is used when the device has one.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	t := d.Target()
	dispatcher := s.dispatchers.For(t)
	if dispatcher == nil {
		writeUnavailable(w, "no FHEM connection for "+d.Name)
		return
	}

	var (
		dispatch fhem.Dispatch
		err      error
	)
	if m := t.Mappings.First(fhem.CmdIdentify); m != nil {
		dispatch, err = dispatcher.Command(r.Context(), t, m, true, "")
	} else {
		dispatch, err = dispatcher.Identify(r.Context(), t)
	}
	s.recordCommand(r, d.Name, fhem.CmdIdentify, nil, dispatch, err)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, characteristicResponse{
		Device:         d.Name,
		Characteristic: fhem.CmdIdentify,
		Command:        dispatch.Text,
		Delayed:        dispatch.Delayed,
	})
}

// handleQueryCharacteristic returns the normalized value of one mapping.
//
// Query parameters:
//   - index: mapping index for characteristics with several mappings (default 0)
func (s *Server) handleQueryCharacteristic(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "index must be a non-negative integer")
			return
		}
		index = n
	}

	characteristic := chi.URLParam(r, "characteristic")
	m := d.Mappings.Index(characteristic, index)
	if m == nil {
		writeNotFound(w, "no mapping "+characteristic+"["+strconv.Itoa(index)+"] on "+d.Name)
		return
	}
	dispatcher := s.dispatchers.For(d.Target())
	if dispatcher == nil {
		writeUnavailable(w, "no FHEM connection for "+d.Name)
		return
	}

	value, err := dispatcher.Query(r.Context(), m)
	switch {
	case errors.Is(err, fhem.ErrNoReading), errors.Is(err, fhem.ErrNoValue):
		writeError(w, http.StatusNotFound, ErrCodeNoValue, err.Error())
		return
	case err != nil:
		s.logger.Warn("characteristic query failed", "device", d.Name, "characteristic", characteristic, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeFHEM, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, characteristicResponse{
		Device:         d.Name,
		Characteristic: characteristic,
		Index:          index,
		Value:          value,
	})
}

// handleSetCharacteristic converts a normalized value and sends the
// resulting command to FHEM. Delayed commands answer 202 Accepted.
func (s *Server) handleSetCharacteristic(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req setCharacteristicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		writeBadRequest(w, "invalid value")
		return
	}
	if req.Index < 0 {
		writeBadRequest(w, "index must be a non-negative integer")
		return
	}

	characteristic := chi.URLParam(r, "characteristic")
	m := d.Mappings.Index(characteristic, req.Index)
	if m == nil {
		writeNotFound(w, "no mapping "+characteristic+"["+strconv.Itoa(req.Index)+"] on "+d.Name)
		return
	}
	t := d.Target()
	dispatcher := s.dispatchers.For(t)
	if dispatcher == nil {
		writeUnavailable(w, "no FHEM connection for "+d.Name)
		return
	}

	dispatch, err := dispatcher.Command(r.Context(), t, m, value, req.Intent)
	s.recordCommand(r, d.Name, characteristic, value, dispatch, err)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.logger.Info("command sent",
		"device", d.Name,
		"characteristic", characteristic,
		"command", dispatch.Text,
		"delayed", dispatch.Delayed,
		"skipped", dispatch.Skipped,
	)

	status := http.StatusOK
	if dispatch.Delayed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, characteristicResponse{
		Device:         d.Name,
		Characteristic: characteristic,
		Index:          req.Index,
		Value:          value,
		Command:        dispatch.Text,
		Delayed:        dispatch.Delayed,
		Skipped:        dispatch.Skipped,
	})
}

// handleListRooms returns the device names per presented room.
func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.registry.Rooms()
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "names": names, "count": len(rooms)})
}

// lookupDevice resolves the {name} URL parameter. It writes a 404 and
// returns false when the device is unknown.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	name := chi.URLParam(r, "name")
	d, ok := s.registry.Device(name)
	if !ok {
		writeNotFound(w, "device not found: "+name)
		return nil, false
	}
	return d, true
}

// writeCommandError maps a dispatcher error to a response.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mapping.ErrNoCommand), errors.Is(err, mapping.ErrNotNumeric), errors.Is(err, mapping.ErrNoValue):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, fhem.ErrNoMapping):
		writeNotFound(w, err.Error())
	default:
		s.logger.Warn("command failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeFHEM, err.Error())
	}
}
