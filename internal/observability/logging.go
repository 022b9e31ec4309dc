package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log encodings
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// NewLogger creates a JSON logger on stdout tagged with component. The level
// comes from CUSTODY_LOG_LEVEL.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWith(component, ParseLogLevel(os.Getenv("CUSTODY_LOG_LEVEL")), LogFormatJSON)
}

// NewLoggerWith creates a logger with an explicit level and encoding. The
// console encoding is meant for local runs.
func NewLoggerWith(component string, level zerolog.Level, format string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(format, LogFormatConsole) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(w, component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "custodyledger").
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a configured level name to a zerolog level. Unknown or
// empty names fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
