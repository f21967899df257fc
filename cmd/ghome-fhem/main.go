// ghome-fhem exposes FHEM home automation devices as normalized
// characteristics.
//
// It follows the FHEMWEB longpoll stream of one or more FHEM servers,
// converts readings through each device's homebridgeMapping and publishes
// the results on MQTT, InfluxDB and a local HTTP/WebSocket API. Commands
// travel the opposite way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yanniks/ghome-fhem/internal/api"
	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/audit"
	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/device"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/database"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/influxdb"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/logging"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/mqtt"
	"github.com/yanniks/ghome-fhem/internal/mapping"
	"github.com/yanniks/ghome-fhem/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// discoveryTimeout bounds the device listing after a (re)connect.
const discoveryTimeout = time.Minute

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ghome-fhem",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Mapping core: engine, subscriptions, raw cache, device registry
	engine := mapping.NewEngine(log.Component("mapping"))
	attrs := attribute.NewRegistry(engine)
	cache := attribute.NewCache(attrs)
	colors := attribute.NewColorDerivation()
	cache.AddDerivation(colors)

	registry := device.NewRegistry(attrs, cache, engine)
	registry.SetLogger(log.Component("registry"))
	registry.SetColorDerivation(colors)

	var file *device.File
	if cfg.DevicesFile != "" {
		file, err = device.LoadFile(cfg.DevicesFile)
		if err != nil {
			return fmt.Errorf("loading devices file: %w", err)
		}
		log.Info("devices file loaded", "path", cfg.DevicesFile, "devices", len(file.Devices))
	}
	discoverer := device.NewDiscoverer(mapping.DefaultFuncs(), file)
	discoverer.SetLogger(log.Component("discovery"))

	// Database for reading history and command audit (optional)
	var (
		db       *database.DB
		history  device.HistoryRepository
		recorder *device.HistoryRecorder
		trail    audit.Repository
	)
	if cfg.UsesDatabase() {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		applied, migrateErr := db.Migrate(ctx, migrations.FS)
		if migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete", "applied", applied)
	}

	if cfg.History.Enabled {
		repo := device.NewSQLiteHistoryRepository(db.DB)
		recorder = device.NewHistoryRecorder(repo, device.HistoryConfig{
			QueueSize: cfg.History.QueueSize,
			Retention: cfg.HistoryRetention(),
		})
		recorder.SetLogger(log.Component("history"))
		recorder.Start(ctx)
		defer func() {
			log.Info("stopping history recorder")
			recorder.Stop()
		}()
		cache.OnChange(recorder.Hook())
		history = repo
	} else {
		log.Info("reading history disabled")
	}

	if cfg.Audit.Enabled {
		trail = audit.NewSQLiteRepository(db.DB)
	} else {
		log.Info("command audit disabled")
	}

	// FHEM connections
	conns := make([]*connection, 0, len(cfg.FHEM))
	dispatchers := make(fhem.Dispatchers, len(cfg.FHEM))
	streams := make([]fhem.StreamMonitor, 0, len(cfg.FHEM))
	for _, fc := range cfg.FHEM {
		c, connErr := newConnection(fc, engine, cache, log)
		if connErr != nil {
			return fmt.Errorf("fhem connection %q: %w", fc.Name, connErr)
		}
		conns = append(conns, c)
		dispatchers[fc.Name] = c.dispatcher
		streams = append(streams, c.reader)
	}
	defer dispatchers.Close()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			st := influxClient.Stats()
			log.Info("InfluxDB telemetry written",
				"points", st.Written,
				"skipped", st.Skipped,
				"failed", st.Failed,
			)
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		registry.OnChange(func(c device.Change) {
			influxClient.WriteCharacteristic(c.Connection, c.Device, c.Characteristic, c.Value, c.At)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT and start the bridge (optional)
	var (
		mqttClient *mqtt.Client
		bridge     *fhem.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge, err = fhem.NewBridge(fhem.BridgeOptions{
			BridgeID:    cfg.Site.ID,
			Version:     version,
			MQTT:        mqttClient,
			Devices:     registry,
			Dispatchers: dispatchers,
			Streams:     streams,
			Audit:       trail,
			Logger:      log.Component("bridge"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
		registry.OnChange(func(c device.Change) {
			if err := bridge.PublishState(c.Device, c.Characteristic, c.InformID, c.Value); err != nil {
				log.Debug("state not published", "device", c.Device, "characteristic", c.Characteristic, "error", err)
			}
		})
		log.Info("MQTT bridge started")
	} else {
		log.Info("MQTT disabled")
	}

	// Start the HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Registry:    registry,
			Cache:       cache,
			Dispatchers: dispatchers,
			History:     history,
			Recorder:    recorder,
			Audit:       trail,
			Streams:     streams,
			Version:     version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		registry.OnChange(apiServer.PublishChange)
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Discovery runs on every (re)connect of a stream.
	onLoaded := func() {
		if bridge != nil {
			bridge.Health().SetDeviceCount(registry.Len())
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c.onConnected = func() {
			go c.discover(gctx, discoverer, registry, onLoaded)
		}
		g.Go(func() error {
			return c.reader.Run(gctx)
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal", "connections", len(conns))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fhem stream: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("ghome-fhem stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GHOMEFHEM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GHOMEFHEM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the enabled infrastructure connections. Nil
// arguments are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// connection bundles the components serving one FHEM server.
type connection struct {
	cfg        config.FHEMConfig
	client     *fhem.Client
	dispatcher *fhem.Dispatcher
	reader     *fhem.StreamReader
	log        *logging.Logger

	// onConnected is set before the reader starts.
	onConnected func()

	// discoverMu serialises discoveries after quick reconnects.
	discoverMu sync.Mutex
}

// newConnection creates the client, dispatcher and stream reader of fc.
// Stream records update cache.
func newConnection(fc config.FHEMConfig, engine *mapping.Engine, cache *attribute.Cache, log *logging.Logger) (*connection, error) {
	log = log.Connection(fc.Name)

	client, err := fhem.NewClient(clientConfig(fc))
	if err != nil {
		return nil, err
	}
	client.SetLogger(log)

	dispatcher := fhem.NewDispatcher(client, engine, cache)
	dispatcher.SetLogger(log)

	c := &connection{
		cfg:        fc,
		client:     client,
		dispatcher: dispatcher,
		log:        log,
	}
	c.reader = fhem.NewStreamReader(client, streamConfig(fc), fhem.StreamHandlers{
		OnRecord: func(r fhem.Record) {
			cache.Update(r.ID, r.Value)
		},
		OnConnected: func() {
			if c.onConnected != nil {
				c.onConnected()
			}
		},
		OnDisconnected: func(err error) {
			log.Warn("fhem stream disconnected", "error", err)
		},
	})
	c.reader.SetLogger(log)
	return c, nil
}

// discover ensures the global user attributes, lists the exported devices
// and loads them into registry.
func (c *connection) discover(ctx context.Context, d *device.Discoverer, registry *device.Registry, onLoaded func()) {
	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	if added, err := c.client.EnsureUserAttrs(ctx); err != nil {
		c.log.Warn("userattr check failed", "error", err)
	} else if len(added) > 0 {
		c.log.Info("userattr extended", "attributes", added)
	}

	devices, err := d.Discover(ctx, c.cfg.Name, c.client, c.cfg.Filter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Error("device discovery failed", "error", err)
		}
		return
	}
	n := registry.Load(ctx, c.cfg.Name, devices, c.dispatcher)
	c.log.Info("devices discovered", "listed", len(devices), "registered", n)
	if onLoaded != nil {
		onLoaded()
	}
}

// clientConfig maps a configured connection onto the FHEMWEB client.
func clientConfig(fc config.FHEMConfig) fhem.ClientConfig {
	return fhem.ClientConfig{
		Name:               fc.Name,
		Server:             fc.Server,
		Port:               fc.Port,
		WebName:            fc.WebName,
		SSL:                fc.SSL,
		InsecureSkipVerify: fc.InsecureSkipVerify,
		User:               fc.Auth.User,
		Password:           fc.Auth.Password,
		RequestTimeout:     fc.RequestTimeoutDuration(),
		ActiveDevice:       fc.ActiveDevice,
	}
}

// streamConfig maps a configured connection onto the longpoll reader. The
// stream is unfiltered: mappings may read devices outside the export filter.
func streamConfig(fc config.FHEMConfig) fhem.StreamConfig {
	return fhem.StreamConfig{
		ReconnectBase: fc.ReconnectBaseDuration(),
		ReconnectMax:  fc.ReconnectMaxDuration(),
		Workers:       fc.Workers,
		QueueSize:     fc.QueueSize,
	}
}
