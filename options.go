package cmdqueue

import (
	"log/slog"
	"time"
)

// Default configuration.
const (
	// DefaultPoolSize is the number of allocator contexts in a queue.
	DefaultPoolSize = 16

	// MaxPoolSize is the largest supported pool. Context indices fit in a byte.
	MaxPoolSize = 255

	// DefaultPollInterval is how often the worker re-reads the fence while
	// contexts are pending and nothing else wakes it.
	DefaultPollInterval = time.Millisecond

	// DefaultIdleTimeout bounds WaitForGPU and Shutdown waits on the device.
	DefaultIdleTimeout = 5 * time.Second
)

// Option configures a Queue during creation.
//
// Example:
//
//	q, err := cmdqueue.New(dev,
//	    cmdqueue.WithPoolSize(4),
//	    cmdqueue.WithLogger(logger),
//	)
type Option func(*config)

// config holds optional Queue configuration.
type config struct {
	poolSize     int
	listType     ListType
	logger       *slog.Logger
	pollInterval time.Duration
	idleTimeout  time.Duration
	onFatal      func(error)
}

// defaultConfig returns the default queue configuration.
func defaultConfig() config {
	return config{
		poolSize:     DefaultPoolSize,
		listType:     ListDirect,
		logger:       nil, // Logger() at New time
		pollInterval: DefaultPollInterval,
		idleTimeout:  DefaultIdleTimeout,
	}
}

// WithPoolSize sets the number of allocator contexts. The pool never grows.
// New returns ErrInvalidPoolSize for n outside [1, MaxPoolSize].
func WithPoolSize(n int) Option {
	return func(c *config) {
		c.poolSize = n
	}
}

// WithAllocatorType sets the list type the pool's allocators are created for.
func WithAllocatorType(t ListType) Option {
	return func(c *config) {
		c.listType = t
	}
}

// WithLogger sets the logger used by the queue and its worker.
// Nil selects the package default from Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithPollInterval sets how often the worker re-reads the fence while
// contexts are pending. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithIdleTimeout bounds device idle waits in WaitForGPU and Shutdown.
// Non-positive values keep the default.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithFatalHandler installs a callback for unrecoverable device failures.
// It runs on the worker goroutine after the queue has entered its failed
// state. The default handler logs the error.
func WithFatalHandler(fn func(error)) Option {
	return func(c *config) {
		c.onFatal = fn
	}
}
