// Package logging provides the structured logger of ghome-fhem.
//
// It wraps log/slog. Every entry carries the service and version fields;
// child loggers add a component or a FHEM connection name. Output is JSON
// by default or text for development:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Attributes named password, secret, token, api_key, authorization or
// csrf(_token) are replaced by [REDACTED] before they are written.
//
//	log := logging.New(cfg.Logging, version)
//	log.Connection("home").Info("longpoll connected")
package logging
