// Package logger wraps zerolog with the handful of package-level helpers
// the rest of the tree calls.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Setup reconfigures the package-level logger. format is "json" or "console".
func Setup(level, format string) {
	var out zerolog.ConsoleWriter
	var logger zerolog.Logger
	switch format {
	case "json":
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	default:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log = logger.Level(lvl)
}

// With returns a child logger tagged with a component name, the way
// every subsystem in this tree identifies itself in log lines.
func With(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func Debug(msg string)                    { log.Debug().Msg(msg) }
func Info(msg string)                     { log.Info().Msg(msg) }
func Warn(msg string)                     { log.Warn().Msg(msg) }
func Error(msg string)                    { log.Error().Msg(msg) }
func Errorf(msg string, err error)        { log.Error().Err(err).Msg(msg) }
func Fatal(msg string)                    { log.Fatal().Msg(msg) }
