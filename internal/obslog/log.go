// Package obslog is the engine's single logging seam. It exists only so the
// pager, WAL, recovery and connection façade emit structured events the same
// way; no component logic depends on it and it is safe to discard.
package obslog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	enabled = false
)

// SetOutput redirects all future log events to w. Passing nil disables
// logging entirely (the default state, since the engine must be silent
// unless a caller opts in).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		enabled = false
		return
	}
	base = zerolog.New(w).With().Timestamp().Logger()
	enabled = true
}

// For returns a component-scoped logger, e.g. obslog.For("pager").
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return zerolog.Nop()
	}
	return base.With().Str("component", component).Logger()
}
