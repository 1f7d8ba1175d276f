// Package logging provides the single zerolog construction point every
// lodex package logs through, so verbosity and output format are
// configured in one place rather than once per package.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	level             = zerolog.InfoLevel
	console           = true
)

// Configure sets the destination, minimum level, and output format used by
// every logger subsequently created with New. It is intended to be called
// once, early, typically from cmd/lodex's flag parsing; loggers already
// created via New are not retroactively affected.
func Configure(w io.Writer, lvl zerolog.Level, prettyConsole bool) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	level = lvl
	console = prettyConsole
}

// New returns a logger tagged with component, writing wherever Configure
// last pointed it (os.Stderr, human-readable console format, by default).
func New(component string) zerolog.Logger {
	mu.Lock()
	w, lvl, pretty := out, level, console
	mu.Unlock()

	var writer io.Writer = w
	if pretty {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(writer).With().Timestamp().Str("component", component).Logger().Level(lvl)
}
