package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It defaults to JSON on stdout so
// the monitor logs something sensible even before Init runs; components
// derive child loggers from it rather than configuring their own.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is one of zerolog's level names: trace, debug, info, warn,
	// error, fatal, panic. Unknown values fall back to info; a logging
	// misconfiguration must not keep the monitor from starting.
	Level string

	// JSONOutput selects machine-readable output over the human console
	// format.
	JSONOutput bool

	// Output overrides the destination, stdout when nil.
	Output io.Writer
}

// Init configures the global logger from cfg.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a node's identity, for
// per-node decision logging.
func WithNode(nodeID int64, nodeName string) zerolog.Logger {
	return Logger.With().Int64("node_id", nodeID).Str("node_name", nodeName).Logger()
}

// Info logs a message at info level on the global logger.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Infof logs a formatted message at info level on the global logger.
func Infof(format string, args ...any) {
	Logger.Info().Msgf(format, args...)
}

// Errorf logs a formatted message at error level on the global logger.
func Errorf(format string, args ...any) {
	Logger.Error().Msgf(format, args...)
}
