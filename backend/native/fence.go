package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/wgpu/hal"
)

// Fence wraps a hal.Fence.
//
// HAL exposes fence progress only through Device.Wait, so CompletedValue
// probes with a zero timeout. Values are monotonic, which lets the probe
// binary-search between the last known completed value and the last value
// submitted.
type Fence struct {
	dev *Device
	raw hal.Fence

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	destroyed bool
}

var _ cmdqueue.Fence = (*Fence)(nil)

// Raw returns the HAL fence.
func (f *Fence) Raw() hal.Fence { return f.raw }

func (f *Fence) signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value > f.signaled {
		f.signaled = value
	}
}

// CompletedValue returns the highest submitted value the device has reached.
func (f *Fence) CompletedValue() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return f.completed, ErrFenceDestroyed
	}
	lo, hi := f.completed, f.signaled
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ok, err := f.dev.device.Wait(f.raw, mid, 0)
		if err != nil {
			return f.completed, fmt.Errorf("native: poll fence %d: %w", mid, err)
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	f.completed = lo
	return f.completed, nil
}

// Wait blocks until the device reaches value or timeout elapses.
func (f *Fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return false, ErrFenceDestroyed
	}
	if value <= f.completed {
		f.mu.Unlock()
		return true, nil
	}
	f.mu.Unlock()

	ok, err := f.dev.device.Wait(f.raw, value, timeout)
	if err != nil {
		return false, fmt.Errorf("native: wait fence %d: %w", value, err)
	}
	if ok {
		f.mu.Lock()
		if value > f.completed {
			f.completed = value
		}
		f.mu.Unlock()
	}
	return ok, nil
}

// Destroy releases the HAL fence. Later calls are no-ops.
func (f *Fence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.dev.device.DestroyFence(f.raw)
}
