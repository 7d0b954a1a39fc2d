package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
)

const serviceName = "kasacore"

// redacted replaces the value of credential-like attributes.
const redacted = "[REDACTED]"

// Logger is the service logger: an *slog.Logger whose entries carry
// service and version. It satisfies the Logger interfaces of the kasa,
// bridge and mqtt packages.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging config section, writing to stdout
// unless output is "stderr".
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination; cfg.Output is ignored.
// Format "text" selects the text handler, anything else JSON.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler = slog.NewJSONHandler(output, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("version", version),
	)}
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
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

// redact hides attributes whose key names a credential: the MQTT password
// and the InfluxDB token must never reach the log.
func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if strings.Contains(key, "password") || strings.Contains(key, "token") || strings.Contains(key, "secret") {
		return slog.String(a.Key, redacted)
	}
	return a
}

// With returns a Logger with extra default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a Logger tagged component=name, one per subsystem
// (kasa, bridge, mqtt, api).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the pre-config logger: JSON at info on stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
