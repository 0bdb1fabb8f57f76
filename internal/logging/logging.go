// Package logging sets up the process-wide zerolog logger and hands out
// per-component sub-loggers, following the config-supplied-level,
// inject-a-logger-value idiom rather than routing everything through a
// single package-global.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger.
type Config struct {
	// Level is parsed with zerolog.ParseLevel; an empty or invalid value
	// falls back to info.
	Level string

	// Pretty selects a human-readable console writer instead of JSON,
	// for interactive use.
	Pretty bool
}

// New builds the root logger described by cfg. Components should derive
// their own sub-logger from it with With/Str rather than holding this
// value directly, so log lines carry a "component" field.
func New(cfg Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	var w = os.Stderr
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.StampMicro,
		}).With().Timestamp().Logger().Level(lvl)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Component returns a sub-logger tagged with name, for a specific
// package/subsystem to hold as a struct field.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
