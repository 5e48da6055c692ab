// Package logging wires the process-wide zerolog logger. Every package logs
// through the zerolog/log global; Setup decides where and at what level.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configure Setup.
type Options struct {
	// Level is the minimum level name, case-insensitive: debug, info, warn,
	// error, fatal. Unrecognized names fall back to info.
	Level string

	// Pretty switches from JSON lines to the console writer.
	Pretty bool

	// Output defaults to os.Stderr. The server logs to stderr so stdout
	// stays clean for command output.
	Output io.Writer
}

// Setup builds the configured logger, installs it as the zerolog global and
// returns it.
func Setup(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()

	log.Logger = logger
	return logger
}

func parseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
