package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure of the bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig      `yaml:"site"`
	FHEM        []FHEMConfig    `yaml:"fhem"`
	DevicesFile string          `yaml:"devices_file"`
	Database    DatabaseConfig  `yaml:"database"`
	History     HistoryConfig   `yaml:"history"`
	Audit       AuditConfig     `yaml:"audit"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	API         APIConfig       `yaml:"api"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	InfluxDB    InfluxDBConfig  `yaml:"influxdb"`
	Logging     LoggingConfig   `yaml:"logging"`
	Security    SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// FHEMConfig describes one FHEM server connection.
type FHEMConfig struct {
	// Name identifies the connection in logs, health and the API.
	Name string `yaml:"name"`

	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`
	WebName string `yaml:"webname"`
	SSL     bool   `yaml:"ssl"`

	// InsecureSkipVerify accepts self-signed FHEMWEB certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	Auth FHEMAuthConfig `yaml:"auth"`

	// Filter is the devspec of exported devices, e.g. "room=GoogleHome".
	Filter string `yaml:"filter"`

	// ActiveDevice marks $defs{<device>}{active} around commands when set.
	ActiveDevice string `yaml:"active_device"`

	// ReconnectBase and ReconnectMax bound the longpoll backoff (seconds).
	ReconnectBase int `yaml:"reconnect_base"`
	ReconnectMax  int `yaml:"reconnect_max"`

	// RequestTimeout bounds command requests (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// Workers and QueueSize size the record delivery pool.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// FHEMAuthConfig contains FHEMWEB basic auth credentials.
type FHEMAuthConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains reading history settings.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
	QueueSize     int  `yaml:"queue_size"`
}

// AuditConfig controls the command audit trail stored in the database.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT     JWTConfig    `yaml:"jwt"`
	APIKeys APIKeyConfig `yaml:"api_keys"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// AccessTokenTTL is the token lifetime in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// APIKeyConfig lists the keys that may exchange for a bearer token.
type APIKeyConfig struct {
	Keys []string `yaml:"keys"`
}

// Load reads the YAML file at path over the defaults, applies the
// GHOMEFHEM_* environment overrides and FHEM connection defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	applyFHEMDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FHEM connection defaults.
const (
	defaultFHEMPort           = 8083
	defaultFHEMWebName        = "fhem"
	defaultFHEMFilter         = "room=GoogleHome"
	defaultReconnectBase      = 5
	defaultReconnectMax       = 30
	defaultFHEMRequestTimeout = 10
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "ghome-fhem",
			Name: "FHEM",
		},
		Database: DatabaseConfig{
			Path:        "./data/ghome-fhem.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
			QueueSize:     1024,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ghome-fhem",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyFHEMDefaults fills unset connection fields. The first unnamed
// connection is called "fhem", further ones "fhem2", "fhem3" and so on.
func applyFHEMDefaults(cfg *Config) {
	for i := range cfg.FHEM {
		c := &cfg.FHEM[i]
		if c.Name == "" {
			c.Name = defaultFHEMWebName
			if i > 0 {
				c.Name += strconv.Itoa(i + 1)
			}
		}
		if c.Port == 0 {
			c.Port = defaultFHEMPort
		}
		if c.WebName == "" {
			c.WebName = defaultFHEMWebName
		}
		if c.Filter == "" {
			c.Filter = defaultFHEMFilter
		}
		if c.ReconnectBase == 0 {
			c.ReconnectBase = defaultReconnectBase
		}
		if c.ReconnectMax == 0 {
			c.ReconnectMax = defaultReconnectMax
		}
		if c.RequestTimeout == 0 {
			c.RequestTimeout = defaultFHEMRequestTimeout
		}
	}
}

// Validate checks the configuration for errors and security issues. All
// problems are reported together in one error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// FHEM validation
	if len(c.FHEM) == 0 {
		errs = append(errs, "at least one fhem connection is required (set GHOMEFHEM_FHEM_SERVER)")
	}
	names := make(map[string]bool, len(c.FHEM))
	for i, f := range c.FHEM {
		if f.Server == "" {
			errs = append(errs, fmt.Sprintf("fhem[%d].server is required", i))
		}
		if f.Port < 1 || f.Port > 65535 {
			errs = append(errs, fmt.Sprintf("fhem[%d].port must be between 1 and 65535", i))
		}
		if names[f.Name] {
			errs = append(errs, fmt.Sprintf("fhem[%d].name %q is not unique", i, f.Name))
		}
		names[f.Name] = true
		if f.ReconnectMax < f.ReconnectBase {
			errs = append(errs, fmt.Sprintf("fhem[%d].reconnect_max must not be below reconnect_base", i))
		}
	}

	// Database validation
	if c.UsesDatabase() && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history or audit is enabled")
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Tokens signed with a short or empty secret can be forged.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set GHOMEFHEM_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// UsesDatabase reports whether any enabled feature stores data in SQLite.
func (c *Config) UsesDatabase() bool {
	return c.History.Enabled || c.Audit.Enabled
}

// HistoryRetention returns the reading history retention as a Duration.
// Zero keeps history forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// ReconnectBaseDuration returns the initial reconnect delay of a connection.
func (f FHEMConfig) ReconnectBaseDuration() time.Duration {
	return time.Duration(f.ReconnectBase) * time.Second
}

// ReconnectMaxDuration returns the reconnect delay cap of a connection.
func (f FHEMConfig) ReconnectMaxDuration() time.Duration {
	return time.Duration(f.ReconnectMax) * time.Second
}

// RequestTimeoutDuration returns the command request timeout of a connection.
func (f FHEMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(f.RequestTimeout) * time.Second
}
