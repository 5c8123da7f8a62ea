// Package logging configures the process-wide zerolog logger and hands out
// component loggers derived from it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Console switches to human-readable output.
	Console bool
	Output  io.Writer
}

// OptionsFromEnv reads LOG_LEVEL and ENVIRONMENT. Anything other than a
// production environment gets console output.
func OptionsFromEnv() Options {
	return Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Console: !strings.EqualFold(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "production"),
	}
}

func Setup(opts Options) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
