package influxdb_test

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol bodies posted to
// the v2 write endpoint.
type fakeInflux struct {
	mu         sync.Mutex
	lines      []string
	auth       string
	query      string
	writeCode  int
	pingStatus int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		status := f.pingStatus
		if status == 0 {
			status = http.StatusNoContent
		}
		w.Header().Set("X-Influxdb-Version", "v2.7.0")
		w.WriteHeader(status)
	case strings.HasSuffix(r.URL.Path, "/write"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.query = r.URL.RawQuery
		for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if l != "" {
				f.lines = append(f.lines, l)
			}
		}
		code := f.writeCode
		f.mu.Unlock()
		if code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			io.WriteString(w, `{"code":"invalid","message":"rejected by test"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func startInflux(t *testing.T, f *fakeInflux) config.InfluxDBConfig {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "ghome-fhem",
		BatchSize:     100,
		FlushInterval: 60,
	}
}

func connect(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()
	c, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// ─── Connection Tests ──────────────────────────────────────────────

func TestConnect(t *testing.T) {
	c := connect(t, startInflux(t, &fakeInflux{}))

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: url, Org: "o", Bucket: "b"})
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	cfg := startInflux(t, &fakeInflux{pingStatus: http.StatusServiceUnavailable})

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// ─── Write Tests ───────────────────────────────────────────────────

func TestWriteCharacteristic(t *testing.T) {
	fake := &fakeInflux{}
	c := connect(t, startInflux(t, fake))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !c.WriteCharacteristic("fhem", "lamp", "Brightness", 40.0, at) {
		t.Fatal("WriteCharacteristic(40.0) = false, want true")
	}
	if !c.WriteCharacteristic("fhem", "lamp", "On", true, at) {
		t.Fatal("WriteCharacteristic(true) = false, want true")
	}
	if c.WriteCharacteristic("fhem", "lamp", "Name", "kitchen", at) {
		t.Error("WriteCharacteristic(non-numeric string) = true, want false")
	}
	c.Flush()

	if !waitFor(t, func() bool { return len(fake.received()) == 2 }) {
		t.Fatalf("received %v, want 2 lines", fake.received())
	}
	lines := fake.received()
	for _, want := range []string{"characteristics,", "connection=fhem", "device=lamp", "characteristic=Brightness", "value=40", "1772366400000"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
	if !strings.Contains(lines[1], "state=true") || !strings.Contains(lines[1], "value=1") {
		t.Errorf("bool line = %q, want state=true and value=1", lines[1])
	}

	fake.mu.Lock()
	auth, query := fake.auth, fake.query
	fake.mu.Unlock()
	if auth != "Token test-token" {
		t.Errorf("Authorization = %q", auth)
	}
	if !strings.Contains(query, "bucket=ghome-fhem") || !strings.Contains(query, "precision=ms") {
		t.Errorf("write query = %q", query)
	}

	st := c.Stats()
	if st.Written != 2 || st.Skipped != 1 {
		t.Errorf("Stats() = %+v, want 2 written, 1 skipped", st)
	}
}

func TestWriteCharacteristic_ReportsErrors(t *testing.T) {
	fake := &fakeInflux{writeCode: http.StatusBadRequest}
	c := connect(t, startInflux(t, fake))

	var (
		mu       sync.Mutex
		writeErr error
	)
	c.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	c.WriteCharacteristic("fhem", "lamp", "Brightness", 40.0, time.Time{})
	c.Flush()

	ok := waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return writeErr != nil
	})
	if !ok {
		t.Fatal("write error not reported")
	}
	if c.Stats().Failed == 0 {
		t.Error("Stats().Failed = 0 after rejected batch")
	}
}

func TestWriteCharacteristic_NotConnected(t *testing.T) {
	var c influxdb.Client
	if c.WriteCharacteristic("fhem", "lamp", "On", true, time.Time{}) {
		t.Error("WriteCharacteristic() on unconnected client = true, want false")
	}
}

func TestFields(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  map[string]any
		ok    bool
	}{
		{"true", true, map[string]any{"value": 1.0, "state": true}, true},
		{"false", false, map[string]any{"value": 0.0, "state": false}, true},
		{"float", 21.5, map[string]any{"value": 21.5}, true},
		{"int", 3, map[string]any{"value": 3.0}, true},
		{"numeric string", "19.5", map[string]any{"value": 19.5}, true},
		{"text", "on", nil, false},
		{"nan", math.NaN(), nil, false},
		{"inf", math.Inf(1), nil, false},
		{"nil", nil, nil, false},
		{"map", map[string]any{"a": 1}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := influxdb.Fields(tt.value)
			if ok != tt.ok {
				t.Fatalf("Fields(%v) ok = %v, want %v", tt.value, ok, tt.ok)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Fields(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

// ─── Close Tests ───────────────────────────────────────────────────

func TestClose_FlushesPending(t *testing.T) {
	fake := &fakeInflux{}
	c := connect(t, startInflux(t, fake))

	c.WriteCharacteristic("fhem", "plug", "On", false, time.Time{})
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if !waitFor(t, func() bool { return len(fake.received()) == 1 }) {
		t.Errorf("received %v, want the pending point", fake.received())
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClose_Unconnected(t *testing.T) {
	var c influxdb.Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}
