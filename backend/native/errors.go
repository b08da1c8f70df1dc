package native

import "errors"

// Backend errors.
var (
	// ErrNoBackend is returned by Open when the requested HAL backend is not
	// registered in this build.
	ErrNoBackend = errors.New("native: HAL backend not available")

	// ErrNoAdapter is returned when the instance reports no adapters.
	ErrNoAdapter = errors.New("native: no GPU adapter available")

	// ErrNoHALDevice is returned by FromProvider when the provider does not
	// expose a hal.Device and hal.Queue.
	ErrNoHALDevice = errors.New("native: provider does not expose HAL device")

	// ErrForeignObject is returned when a command list or fence created by
	// another backend is passed to a Device.
	ErrForeignObject = errors.New("native: object does not belong to this backend")

	// ErrListOpen is returned by Submit for a list that was never closed.
	ErrListOpen = errors.New("native: command list still recording")

	// ErrClosed is returned when using a Device after Close.
	ErrClosed = errors.New("native: device closed")

	// ErrFenceDestroyed is returned when polling a destroyed fence.
	ErrFenceDestroyed = errors.New("native: fence destroyed")

	// ErrInvalidSize is returned for zero-sized buffers and textures.
	ErrInvalidSize = errors.New("native: invalid size")
)
