package cmdqueue

import (
	"log/slog"
	"sync/atomic"
)

// silent drops every record. Its Enabled reports false, so disabled call
// sites never build their attributes.
var silent = slog.New(slog.DiscardHandler)

var defaultLogger atomic.Pointer[slog.Logger]

func init() { defaultLogger.Store(silent) }

// SetLogger replaces the package-wide logger read by New and by the frame,
// shader, pipeline and backend/native packages. nil restores the silent
// logger that is in place at startup. It may be called from any goroutine.
//
// A Queue takes the logger once, in New. Use WithLogger to give one queue
// its own logger.
//
// The queue logs batches and retirements at Debug, start and shutdown at
// Info, pool exhaustion, empty batches and allocator reset failures at
// Warn, and misuse of context indices and device failures at Error.
//
//	cmdqueue.SetLogger(slog.New(slog.NewTextHandler(os.Stderr,
//	    &slog.HandlerOptions{Level: slog.LevelDebug})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	defaultLogger.Store(l)
}

// Logger returns the logger set by SetLogger.
func Logger() *slog.Logger { return defaultLogger.Load() }
