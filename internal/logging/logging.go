// Package logging provides the structured logger shared across the browser
// driver, tab state machine, and worker pool. It wraps zerolog so call sites
// never import it directly, matching the pattern of keeping the logging
// library swappable behind a package boundary.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger used throughout witnessgo. It is a thin
// alias over zerolog.Logger so components can attach scoped fields (tab id,
// session id, url) without every call site depending on zerolog directly.
type Logger = zerolog.Logger

// New builds the root logger. When debug is false, only info and above are
// emitted; events below that level (benign detachment events, retry
// backoff) are still computed but discarded cheaply by zerolog's level gate.
func New(w io.Writer, debug bool) Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Console returns a human-readable console logger, used by the CLI unless
// --silent is set; noColor reflects --no-color.
func Console(w io.Writer, debug bool, noColor bool) Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: noColor}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, used by --silent.
func Discard() Logger {
	return zerolog.Nop()
}
