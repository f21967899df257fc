package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "GHOMEFHEM_"

// envBinding maps one GHOMEFHEM_* variable onto the configuration.
type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func envString(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func envInt(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func envBool(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// envList splits a comma separated value, dropping empty items.
func envList(field func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var items []string
		for item := range strings.SplitSeq(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(c) = items
		return nil
	}
}

// firstFHEM returns the first connection, creating it when the file
// lists none.
func firstFHEM(c *Config) *FHEMConfig {
	if len(c.FHEM) == 0 {
		c.FHEM = append(c.FHEM, FHEMConfig{})
	}
	return &c.FHEM[0]
}

// envBindings lists the supported overrides. The FHEM_* variables apply to
// the first connection.
var envBindings = []envBinding{
	{"FHEM_SERVER", envString(func(c *Config) *string { return &firstFHEM(c).Server })},
	{"FHEM_PORT", envInt(func(c *Config) *int { return &firstFHEM(c).Port })},
	{"FHEM_USER", envString(func(c *Config) *string { return &firstFHEM(c).Auth.User })},
	{"FHEM_PASSWORD", envString(func(c *Config) *string { return &firstFHEM(c).Auth.Password })},
	{"FHEM_FILTER", envString(func(c *Config) *string { return &firstFHEM(c).Filter })},

	{"DEVICES_FILE", envString(func(c *Config) *string { return &c.DevicesFile })},
	{"DATABASE_PATH", envString(func(c *Config) *string { return &c.Database.Path })},
	{"HISTORY_ENABLED", envBool(func(c *Config) *bool { return &c.History.Enabled })},
	{"AUDIT_ENABLED", envBool(func(c *Config) *bool { return &c.Audit.Enabled })},

	{"MQTT_ENABLED", envBool(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"MQTT_HOST", envString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"MQTT_PORT", envInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"MQTT_USERNAME", envString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"MQTT_PASSWORD", envString(func(c *Config) *string { return &c.MQTT.Auth.Password })},

	{"API_ENABLED", envBool(func(c *Config) *bool { return &c.API.Enabled })},
	{"API_HOST", envString(func(c *Config) *string { return &c.API.Host })},
	{"API_PORT", envInt(func(c *Config) *int { return &c.API.Port })},
	{"API_KEYS", envList(func(c *Config) *[]string { return &c.Security.APIKeys.Keys })},
	{"JWT_SECRET", envString(func(c *Config) *string { return &c.Security.JWT.Secret })},

	{"INFLUXDB_ENABLED", envBool(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"INFLUXDB_URL", envString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"INFLUXDB_TOKEN", envString(func(c *Config) *string { return &c.InfluxDB.Token })},

	{"LOG_LEVEL", envString(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", envString(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides applies every set GHOMEFHEM_* variable. Unset and empty
// variables leave the configuration untouched.
func applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		v := os.Getenv(envPrefix + b.key)
		if v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, b.key, err)
		}
	}
	return nil
}
