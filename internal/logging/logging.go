// Package logging wires the process-wide zerolog logger used across the
// hypervisor's components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog logger level and writer. levelName is
// case-insensitive ("debug", "info", "warn", "error"); an unrecognized
// value falls back to info.
func Setup(levelName string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(w).With().
		Timestamp().
		Str("host", Hostname()).
		Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

// Component returns a child logger tagged with the owning component name,
// the convention used throughout internal/* for per-subsystem logs.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
