package backend

import (
	"errors"

	"github.com/gogpu/cmdqueue"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or none of the registered backends could be opened.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Device is an opened backend device that a cmdqueue.Queue can run on.
type Device interface {
	cmdqueue.Device

	// AdapterName identifies the physical adapter, or the backend for
	// software devices.
	AdapterName() string

	// Close releases the device. The device must be idle.
	Close()
}
