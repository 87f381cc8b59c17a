// Package logx wraps zerolog with the global logger setup used by the server
// and its command line tools.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger.
// Debug mode uses a human-readable console writer at Debug level; otherwise
// records are JSON at Info level. A nil out means stderr.
func Init(debug bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if debug {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(zerolog.DebugLevel)
	} else {
		logger = zerolog.New(out).Level(zerolog.InfoLevel)
	}

	log.Logger = logger.With().Timestamp().Logger()
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// checkFields drops an odd-length key/value list rather than letting
// zerolog panic on it.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msg("odd number of log fields, fields ignored")
		return nil
	}
	return fields
}

// Info logs msg at Info level with optional key/value pairs.
func Info(msg string, fields ...any) {
	Logger().Info().Fields(checkFields("info", fields)).Msg(msg)
}

// Warn logs msg at Warn level with optional key/value pairs.
func Warn(msg string, fields ...any) {
	Logger().Warn().Fields(checkFields("warn", fields)).Msg(msg)
}

// Error logs err and msg at Error level with optional key/value pairs.
func Error(err error, msg string, fields ...any) {
	Logger().Error().Err(err).Fields(checkFields("error", fields)).Msg(msg)
}

// Fatal logs at Fatal level and exits the process.
func Fatal(err error, msg string, fields ...any) {
	Logger().Fatal().Err(err).Fields(checkFields("fatal", fields)).Msg(msg)
}
