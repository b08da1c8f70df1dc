package cmdqueue

import (
	"fmt"
	"time"
)

// ListType selects the kind of command list an allocator records.
type ListType uint8

const (
	// ListDirect records graphics, compute and copy commands. Default.
	ListDirect ListType = iota

	// ListBundle records a reusable bundle of draw commands.
	ListBundle

	// ListCompute records compute and copy commands.
	ListCompute

	// ListCopy records copy commands only.
	ListCopy
)

// String returns the list type name.
func (t ListType) String() string {
	switch t {
	case ListDirect:
		return "direct"
	case ListBundle:
		return "bundle"
	case ListCompute:
		return "compute"
	case ListCopy:
		return "copy"
	default:
		return fmt.Sprintf("ListType(%d)", uint8(t))
	}
}

// Device is the subset of a GPU device and its queue that the scheduler
// drives. backend/native implements it for gogpu/wgpu HAL devices.
//
// The scheduler calls CreateAllocator and CreateFence only from New, and
// Submit only from its worker goroutine.
type Device interface {
	// CreateAllocator creates a command allocator for lists of type t.
	CreateAllocator(t ListType) (Allocator, error)

	// CreateFence creates a fence with completed value 0.
	CreateFence() (Fence, error)

	// Submit executes lists in order as one batch, then signals fence to
	// value once the batch has finished executing on the device.
	// Every list has been closed before Submit is called.
	Submit(lists []CommandList, fence Fence, value uint64) error
}

// Allocator owns the memory backing the command lists recorded against it.
//
// Reset reclaims that memory and invalidates every list the allocator has
// produced. The scheduler calls Reset only after the fence reports that the
// last submission using the allocator has completed.
type Allocator interface {
	// NewCommandList opens a new command list in the recording state.
	NewCommandList(t ListType) (CommandList, error)

	// Reset releases every list recorded since the previous Reset.
	Reset() error

	// Destroy releases the allocator itself.
	Destroy()
}

// CommandList is a recorded sequence of device commands.
//
// Backends expose their own recording API on the concrete type; the
// scheduler only needs to close lists before submission.
type CommandList interface {
	// Close ends recording. Closing a closed list is a no-op.
	Close() error
}

// Fence reports device-side progress through a monotonically increasing
// value signaled by Device.Submit.
type Fence interface {
	// CompletedValue returns the highest value the device has reached.
	CompletedValue() (uint64, error)

	// Wait blocks until the fence reaches value or timeout elapses.
	// It reports whether the value was reached.
	Wait(value uint64, timeout time.Duration) (bool, error)

	// Destroy releases the fence.
	Destroy()
}

// Resource is a device object referenced by recorded commands.
//
// Resources attached with Queue.KeepAlive are released when their context
// retires, i.e. after the device has finished with them.
type Resource interface {
	Release()
}

// ResourceFunc adapts a plain function to the Resource interface.
type ResourceFunc func()

// Release calls f.
func (f ResourceFunc) Release() { f() }
