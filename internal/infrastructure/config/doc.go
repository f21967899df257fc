// Package config loads the bridge configuration.
//
// Load reads a YAML file over built-in defaults, applies GHOMEFHEM_*
// environment variables (see env.go for the full list) and fills in
// per-connection FHEM defaults. Validate reports every problem in a single
// error wrapping ErrInvalid.
//
// The FHEM_* variables target the first FHEM connection and create it when
// the file lists none, so a single-instance setup needs no fhem section:
//
//	GHOMEFHEM_FHEM_SERVER=fhem.local GHOMEFHEM_API_ENABLED=false ghome-fhem
//
// Keep credentials (FHEM and MQTT passwords, the InfluxDB token, the JWT
// secret and API keys) in the environment rather than the file.
package config
