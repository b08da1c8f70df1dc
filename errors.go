package cmdqueue

import "errors"

// Scheduler errors.
var (
	// ErrNilDevice is returned by New when no device is supplied.
	ErrNilDevice = errors.New("cmdqueue: device is nil")

	// ErrInvalidPoolSize is returned by New for a pool size outside [1, MaxPoolSize].
	ErrInvalidPoolSize = errors.New("cmdqueue: invalid pool size")

	// ErrQueueClosed is returned when operating on a queue that has shut down.
	ErrQueueClosed = errors.New("cmdqueue: queue closed")

	// ErrDeviceTimeout is returned when the device does not reach a fence
	// value within the configured idle timeout.
	ErrDeviceTimeout = errors.New("cmdqueue: device timeout")

	// ErrDeviceLost is reported through the fatal handler when a submission
	// or fence operation fails. The queue stops accepting work afterwards.
	ErrDeviceLost = errors.New("cmdqueue: device lost")

	// ErrPartition is reported through the fatal handler when a context is
	// found in a state its transition does not allow.
	ErrPartition = errors.New("cmdqueue: context state partition violated")
)
