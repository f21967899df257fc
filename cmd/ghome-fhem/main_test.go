package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/device"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/logging"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GHOMEFHEM_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_NoConnections verifies run fails without an FHEM connection.
func TestRun_NoConnections(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
site:
  id: test-site
history:
  enabled: false
mqtt:
  enabled: false
api:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GHOMEFHEM_CONFIG", configPath)
	t.Setenv("GHOMEFHEM_FHEM_SERVER", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without fhem connections")
	}
}

// TestRun_StartupAndShutdown runs against an FHEM server that refuses the
// stream until the context ends.
func TestRun_StartupAndShutdown(t *testing.T) {
	fhemSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer fhemSrv.Close()

	u, err := url.Parse(fhemSrv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
site:
  id: test-site
fhem:
  - name: home
    server: "` + u.Hostname() + `"
    port: ` + u.Port() + `
    reconnect_base: 1
    reconnect_max: 1
database:
  path: "` + filepath.Join(tmpDir, "data", "test.db") + `"
  wal_mode: true
  busy_timeout: 5
history:
  enabled: true
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GHOMEFHEM_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "data", "test.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GHOMEFHEM_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("GHOMEFHEM_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestHealthCheck_Disabled verifies disabled services are skipped.
func TestHealthCheck_Disabled(t *testing.T) {
	if err := healthCheck(context.Background(), nil, nil, nil); err != nil {
		t.Errorf("healthCheck() with nothing enabled = %v", err)
	}
}

func TestClientConfig(t *testing.T) {
	fc := config.FHEMConfig{
		Name:           "garden",
		Server:         "fhem.local",
		Port:           8086,
		WebName:        "webhook",
		SSL:            true,
		Auth:           config.FHEMAuthConfig{User: "u", Password: "p"},
		ActiveDevice:   "ghome_device",
		RequestTimeout: 7,
	}

	got := clientConfig(fc)
	if got.Name != "garden" || got.Server != "fhem.local" || got.Port != 8086 || got.WebName != "webhook" {
		t.Errorf("endpoint = %+v", got)
	}
	if !got.SSL || got.User != "u" || got.Password != "p" {
		t.Errorf("ssl/auth = %v %q %q", got.SSL, got.User, got.Password)
	}
	if got.ActiveDevice != "ghome_device" {
		t.Errorf("ActiveDevice = %q", got.ActiveDevice)
	}
	if got.RequestTimeout != 7*time.Second {
		t.Errorf("RequestTimeout = %v, want 7s", got.RequestTimeout)
	}
}

func TestStreamConfig(t *testing.T) {
	fc := config.FHEMConfig{
		Filter:        "room=GoogleHome",
		ReconnectBase: 5,
		ReconnectMax:  30,
		Workers:       2,
		QueueSize:     64,
	}

	got := streamConfig(fc)
	if got.Filter != "" {
		t.Errorf("stream Filter = %q, want unfiltered", got.Filter)
	}
	if got.ReconnectBase != 5*time.Second || got.ReconnectMax != 30*time.Second {
		t.Errorf("backoff = %v/%v, want 5s/30s", got.ReconnectBase, got.ReconnectMax)
	}
	if got.Workers != 2 || got.QueueSize != 64 {
		t.Errorf("pool = %d/%d, want 2/64", got.Workers, got.QueueSize)
	}
}

const discoveryListing = `{
  "Arg": "room=GoogleHome",
  "Results": [
    {
      "Name": "lamp",
      "Internals": {"NAME": "lamp", "TYPE": "dummy"},
      "Readings": {"state": {"Value": "on", "Time": "2026-03-01 12:00:00"}},
      "Attributes": {"room": "GoogleHome,Kitchen", "homebridgeMapping": "On:state"}
    }
  ],
  "totalResultsReturned": 1
}`

// fakeFHEM answers the commands used by discovery.
type fakeFHEM struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeFHEM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("cmd")
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()

	switch cmd {
	case "jsonlist2 room=GoogleHome":
		io.WriteString(w, discoveryListing)
	case `{AttrVal("global","userattr","")}`:
		io.WriteString(w, "realRoom:textField\n")
	default:
		io.WriteString(w, "")
	}
}

func TestConnectionDiscover(t *testing.T) {
	fake := &fakeFHEM{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
	engine := mapping.NewEngine(log)
	attrs := attribute.NewRegistry(engine)
	cache := attribute.NewCache(attrs)
	registry := device.NewRegistry(attrs, cache, engine)

	c, err := newConnection(config.FHEMConfig{
		Name:   "home",
		Server: u.Hostname(),
		Port:   port,
		Filter: "room=GoogleHome",
	}, engine, cache, log)
	if err != nil {
		t.Fatalf("newConnection() error = %v", err)
	}
	defer c.dispatcher.Close()

	loaded := false
	c.discover(context.Background(), device.NewDiscoverer(nil, nil), registry, func() { loaded = true })

	if !loaded {
		t.Error("onLoaded was not called")
	}
	d, ok := registry.Device("lamp")
	if !ok {
		t.Fatal("lamp not registered")
	}
	if d.Connection != "home" {
		t.Errorf("Connection = %q, want home", d.Connection)
	}
	if raw, ok := cache.Get("lamp-state"); !ok || raw != "on" {
		t.Errorf("lamp-state = %q, %v; want on", raw, ok)
	}

	fake.mu.Lock()
	cmds := slices.Clone(fake.cmds)
	fake.mu.Unlock()
	if !slices.Contains(cmds, `{ addToAttrList( "homebridgeMapping:textField-long" ) }`) {
		t.Errorf("homebridgeMapping userattr not added, sent %v", cmds)
	}
	if slices.Contains(cmds, `{ addToAttrList( "realRoom:textField" ) }`) {
		t.Errorf("existing realRoom userattr added again, sent %v", cmds)
	}
}
