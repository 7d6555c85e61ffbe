package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger with the given level and format.
// format can be "console" (human-readable) or "json".
// level can be "debug", "info", "warn", "error".
func Setup(level, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter configures the global zerolog logger writing to w.
func SetupWriter(w io.Writer, level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	var out io.Writer = w
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
