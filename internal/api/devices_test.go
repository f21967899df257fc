package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"slices"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/device"
)

// ─── Device Tests ──────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	devices := resp["devices"].([]any)
	first := devices[0].(map[string]any)
	if first["name"] != "lamp" || first["alias"] != "Ceiling" {
		t.Errorf("first device = %v, want lamp aliased Ceiling", first)
	}
	if first["room"] != "Kitchen" {
		t.Errorf("lamp room = %v, want Kitchen", first["room"])
	}
}

func TestListDevices_Filters(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		query string
		want  float64
	}{
		{"?room=Office", 1},
		{"?room=Attic", 0},
		{"?connection=fhem", 2},
		{"?connection=garden", 0},
		{"?room=Kitchen&connection=fhem", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := decodeBody(t, env.do(http.MethodGet, "/api/v1/devices"+tt.query, ""))
			if resp["count"] != tt.want {
				t.Errorf("count = %v, want %v", resp["count"], tt.want)
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/devices/plug", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["name"] != "plug" || resp["connection"] != "fhem" {
		t.Errorf("device = %v", resp)
	}
	if _, ok := resp["mappings"].(map[string]any)["CurrentTemperature"]; !ok {
		t.Errorf("mappings = %v, want CurrentTemperature", resp["mappings"])
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/devices/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := errorCode(t, w); got != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", got, ErrCodeNotFound)
	}
}

func TestGetDeviceState(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/devices/lamp/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	state := resp["state"].(map[string]any)
	if state["On"] != true {
		t.Errorf("On = %v, want true", state["On"])
	}
	if state["Brightness"] != float64(40) {
		t.Errorf("Brightness = %v, want 40", state["Brightness"])
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Errorf("cached state should not reach FHEM, sent %v", cmds)
	}
}

// ─── Characteristic Tests ──────────────────────────────────────────

func TestQueryCharacteristic_Cached(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/devices/plug/characteristics/On", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["value"] != false {
		t.Errorf("value = %v, want false", resp["value"])
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Errorf("cached value should not reach FHEM, sent %v", cmds)
	}
}

func TestQueryCharacteristic_FetchesReading(t *testing.T) {
	env := testServer(t, nil)
	env.exec.replies[`{ReadingsVal("plug","temperature","")}`] = "21.5"

	w := env.do(http.MethodGet, "/api/v1/devices/plug/characteristics/CurrentTemperature", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["value"] != 21.5 {
		t.Errorf("value = %v, want 21.5", resp["value"])
	}

	raw, ok := env.cache.Get("plug-temperature")
	if !ok || raw != "21.5" {
		t.Errorf("cache plug-temperature = %q, %v; want 21.5", raw, ok)
	}
}

func TestQueryCharacteristic_FHEMError(t *testing.T) {
	env := testServer(t, nil)
	env.exec.err = errors.New("connection refused")

	w := env.do(http.MethodGet, "/api/v1/devices/plug/characteristics/CurrentTemperature", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if got := errorCode(t, w); got != ErrCodeFHEM {
		t.Errorf("code = %q, want %q", got, ErrCodeFHEM)
	}
}

func TestQueryCharacteristic_BadRequests(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown characteristic", "/api/v1/devices/plug/characteristics/Hue", http.StatusNotFound},
		{"index out of range", "/api/v1/devices/plug/characteristics/On?index=3", http.StatusNotFound},
		{"negative index", "/api/v1/devices/plug/characteristics/On?index=-1", http.StatusBadRequest},
		{"non-numeric index", "/api/v1/devices/plug/characteristics/On?index=x", http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/nope/characteristics/On", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.path, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestQueryCharacteristic_NoDispatcher(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Dispatchers = nil
	})

	w := env.do(http.MethodGet, "/api/v1/devices/plug/characteristics/CurrentTemperature", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSetCharacteristic(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodPut, "/api/v1/devices/plug/characteristics/On", `{"value": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["command"] != "set plug on" {
		t.Errorf("command = %v, want %q", resp["command"], "set plug on")
	}
	if cmds := env.exec.commands(); !slices.Equal(cmds, []string{"set plug on"}) {
		t.Errorf("sent = %v, want [set plug on]", cmds)
	}
}

func TestSetCharacteristic_Delayed(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodPut, "/api/v1/devices/lamp/characteristics/Brightness", `{"value": 70}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["command"] != "set lamp pct 70" || resp["delayed"] != true {
		t.Errorf("response = %v, want delayed set lamp pct 70", resp)
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Errorf("delayed command sent immediately: %v", cmds)
	}

	// On while the dimming is pending is dropped.
	w = env.do(http.MethodPut, "/api/v1/devices/lamp/characteristics/On", `{"value": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("On status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp := decodeBody(t, w); resp["skipped"] != true {
		t.Errorf("On response = %v, want skipped", resp)
	}
}

func TestSetCharacteristic_BadRequests(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/v1/devices/plug/characteristics/On", `{`, http.StatusBadRequest},
		{"missing value", "/api/v1/devices/plug/characteristics/On", `{}`, http.StatusBadRequest},
		{"negative index", "/api/v1/devices/plug/characteristics/On", `{"value": 1, "index": -1}`, http.StatusBadRequest},
		{"unknown characteristic", "/api/v1/devices/plug/characteristics/Hue", `{"value": 1}`, http.StatusNotFound},
		{"unknown device", "/api/v1/devices/nope/characteristics/On", `{"value": 1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPut, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Errorf("rejected requests reached FHEM: %v", cmds)
	}
}

func TestSetCharacteristic_FHEMError(t *testing.T) {
	env := testServer(t, nil)
	env.exec.err = errors.New("connection refused")

	w := env.do(http.MethodPut, "/api/v1/devices/plug/characteristics/On", `{"value": false}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestIdentify(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		device string
		want   string
	}{
		{"lamp", "set lamp alert select"},
		{"plug", "set plug toggle; sleep 1; set plug toggle"},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/devices/"+tt.device+"/identify", "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if resp := decodeBody(t, w); resp["command"] != tt.want {
				t.Errorf("command = %v, want %q", resp["command"], tt.want)
			}
		})
	}
}

func TestListRooms(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/rooms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	names := resp["names"].([]any)
	if len(names) != 2 || names[0] != "Kitchen" || names[1] != "Office" {
		t.Errorf("names = %v, want [Kitchen Office]", names)
	}
	rooms := resp["rooms"].(map[string]any)
	if office := rooms["Office"].([]any); len(office) != 1 || office[0] != "plug" {
		t.Errorf("Office = %v, want [plug]", office)
	}
}

// ─── Attribute Tests ───────────────────────────────────────────────

func TestListAttributes(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/attributes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["count"] != float64(env.cache.Len()) {
		t.Errorf("count = %v, want %d", resp["count"], env.cache.Len())
	}
	if env.cache.Len() != 3 {
		t.Errorf("cache holds %d attributes, want 3", env.cache.Len())
	}
}

func TestGetAttribute(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(http.MethodGet, "/api/v1/attributes/lamp-pct", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["id"] != "lamp-pct" || resp["value"] != "40" {
		t.Errorf("attribute = %v", resp)
	}

	if w := env.do(http.MethodGet, "/api/v1/attributes/lamp-hue", ""); w.Code != http.StatusNotFound {
		t.Errorf("uncached attribute status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// setupHistory returns a history repository on an in-memory database.
func setupHistory(t *testing.T) *device.SQLiteHistoryRepository {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../migrations/20260301_120000_reading_history.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return device.NewSQLiteHistoryRepository(db)
}

func TestAttributeHistory(t *testing.T) {
	repo := setupHistory(t)
	env := testServer(t, func(d *Deps) {
		d.History = repo
	})

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []string{"10", "20", "30"} {
		e := attribute.Entry{ID: "lamp-pct", Value: v, ChangedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.RecordReading(ctx, e); err != nil {
			t.Fatalf("RecordReading() error = %v", err)
		}
	}

	w := env.do(http.MethodGet, "/api/v1/attributes/lamp-pct/history?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["attribute_id"] != "lamp-pct" {
		t.Errorf("attribute_id = %v", resp["attribute_id"])
	}
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	w = env.do(http.MethodGet, "/api/v1/attributes/lamp-pct/history", "")
	if resp := decodeBody(t, w); resp["count"] != float64(3) {
		t.Errorf("default limit count = %v, want 3", resp["count"])
	}
}

func TestAttributeHistory_Errors(t *testing.T) {
	env := testServer(t, nil)
	if w := env.do(http.MethodGet, "/api/v1/attributes/lamp-pct/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled history status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	repo := setupHistory(t)
	env = testServer(t, func(d *Deps) {
		d.History = repo
	})
	for _, q := range []string{"?limit=0", "?limit=abc"} {
		if w := env.do(http.MethodGet, "/api/v1/attributes/lamp-pct/history"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("history%s status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}
