package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
)

// ServiceName is the value of the service field on every entry.
const ServiceName = "ghome-fhem"

// Redacted replaces the value of sensitive attributes.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach the output.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"authorization": {},
	"csrf":          {},
	"csrf_token":    {},
	"fwcsrf":        {},
}

// Logger is a slog.Logger carrying the service, version and component
// fields of ghome-fhem.
//
// Thread Safety: All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to the configured output (stdout or stderr).
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version added to every entry
//
// Returns:
//   - *Logger: Configured logger
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return NewWithWriter(cfg, version, w)
}

// NewWithWriter is New writing to w. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)}
}

// parseLevel maps debug, info, warn(ing) and error to slog levels. Anything
// else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redact masks the values of sensitiveKeys, matched case-insensitively.
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && !a.Value.Equal(slog.StringValue("")) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// With returns a child logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with a component name, e.g.
// "mqtt" or "history".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Connection returns a child logger tagged with a FHEM connection name.
func (l *Logger) Connection(name string) *Logger {
	return l.With("connection", name)
}

// Default returns a JSON info logger for use before the configuration is
// loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}
