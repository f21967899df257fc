package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/yanniks/ghome-fhem/internal/attribute"
	"github.com/yanniks/ghome-fhem/internal/audit"
	"github.com/yanniks/ghome-fhem/internal/bridges/fhem"
	"github.com/yanniks/ghome-fhem/internal/device"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
	"github.com/yanniks/ghome-fhem/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ChannelDeviceChanged is the WebSocket channel characteristic changes are
// broadcast on.
const ChannelDeviceChanged = "device.changed"

// ConnectionStatus reports whether a dependency is connected, e.g. the MQTT client.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Registry    *device.Registry
	Cache       *attribute.Cache
	Dispatchers fhem.Dispatchers

	// Optional.
	History  device.HistoryRepository
	Recorder *device.HistoryRecorder
	Audit    audit.Repository
	Streams  []fhem.StreamMonitor
	MQTT     ConnectionStatus

	Version string
}

// Server is the HTTP API server of ghome-fhem.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	registry    *device.Registry
	cache       *attribute.Cache
	dispatchers fhem.Dispatchers
	history     device.HistoryRepository
	recorder    *device.HistoryRecorder
	audit       audit.Repository
	streams     []fhem.StreamMonitor
	mqtt        ConnectionStatus
	version     string
	startTime   time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. Changes passed to
// PublishChange are broadcast from the moment New returns.
//
// Parameters:
//   - deps: Required dependencies (logger, registry, cache)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("attribute cache is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		registry:    deps.Registry,
		cache:       deps.Cache,
		dispatchers: deps.Dispatchers,
		history:     deps.History,
		recorder:    deps.Recorder,
		audit:       deps.Audit,
		streams:     deps.Streams,
		mqtt:        deps.MQTT,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
	}
	s.hub = NewHub(deps.Logger, s.snapshot)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the ticket cleanup, then launches the
// HTTP listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for the background goroutines (not the listener lifetime)
//
// Returns:
//   - error: Always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// PublishChange broadcasts a characteristic change to WebSocket clients
// subscribed to ChannelDeviceChanged. It never blocks on slow clients and
// can be registered directly with device.Registry.OnChange.
func (s *Server) PublishChange(c device.Change) {
	s.hub.Broadcast(ChannelDeviceChanged, c.Device, c)
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
