// Package logging bootstraps the process logger: JSON to stdout in
// production, a console writer at debug level when debug is on. Components
// derive their own loggers with With().Str("component", ...).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func New(debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if debug {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		return zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
