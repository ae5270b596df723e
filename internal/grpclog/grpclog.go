// Package grpclog provides the component-tagged logger used across the
// xdsgrpc client runtime.
package grpclog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func baseLogger() zerolog.Logger {
	baseOnce.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	})
	return base
}

// Logger is a component-scoped logger with a coarse verbosity gate, mirroring
// the V(level) convention used throughout the gRPC ecosystem.
type Logger struct {
	zerolog.Logger
	level int
}

// Component returns a logger tagged with component=name.
func Component(name string) Logger {
	return Logger{Logger: baseLogger().With().Str("component", name).Logger()}
}

// V reports whether verbosity level v is enabled for this logger. The xdsgrpc
// runtime only distinguishes level 0 (always on) from everything above it;
// raise it with WithVerbosity.
func (l Logger) V(v int) bool {
	if v <= 0 {
		return true
	}
	return l.level >= v
}

// WithVerbosity returns a copy of l with its verbosity threshold set to v.
func (l Logger) WithVerbosity(v int) Logger {
	l.level = v
	return l
}
