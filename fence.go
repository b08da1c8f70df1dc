package cmdqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FenceTracker pairs a device fence with the counter that names submissions.
//
// Advance hands out submission values in increasing order. CompletedValue
// caches the device-reported value so that readers never observe it going
// backwards, even if the device briefly reports a stale value.
//
// FenceTracker is safe for concurrent use.
type FenceTracker struct {
	fence Fence

	// next is the last value returned by Advance.
	next atomic.Uint64

	// completed is the highest value the device has reported.
	completed atomic.Uint64

	// mu serializes device reads so the cache only moves forward.
	mu sync.Mutex
}

// NewFenceTracker wraps fence. The fence must start at value 0.
func NewFenceTracker(fence Fence) *FenceTracker {
	return &FenceTracker{fence: fence}
}

// Fence returns the wrapped device fence.
func (t *FenceTracker) Fence() Fence { return t.fence }

// Advance increments the submission counter and returns the new value.
// The caller signals the device with it.
func (t *FenceTracker) Advance() uint64 {
	return t.next.Add(1)
}

// Signaled returns the last value handed out by Advance.
func (t *FenceTracker) Signaled() uint64 {
	return t.next.Load()
}

// CompletedValue returns the highest value the device has reached.
// It may lag Signaled arbitrarily. A device read error leaves the cached
// value in place and is returned alongside it.
func (t *FenceTracker) CompletedValue() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, err := t.fence.CompletedValue()
	if err != nil {
		return t.completed.Load(), fmt.Errorf("cmdqueue: read fence: %w", err)
	}
	if v > t.completed.Load() {
		t.completed.Store(v)
	}
	return t.completed.Load(), nil
}

// Reached reports whether value has completed according to the cache,
// without touching the device.
func (t *FenceTracker) Reached(value uint64) bool {
	return t.completed.Load() >= value
}

// idleSlice is the longest single device wait, so ctx cancellation is
// observed promptly.
const idleSlice = 50 * time.Millisecond

// WaitUntilIdle blocks until the device reaches target, ctx is done, or
// timeout elapses. It is meant for shutdown and resize, not the per-frame
// path. A zero target returns immediately.
func (t *FenceTracker) WaitUntilIdle(ctx context.Context, target uint64, timeout time.Duration) error {
	if target == 0 || t.Reached(target) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: fence %d not reached within %v", ErrDeviceTimeout, target, timeout)
		}

		ok, err := t.fence.Wait(target, min(remaining, idleSlice))
		if err != nil {
			return fmt.Errorf("%w: wait for fence %d: %w", ErrDeviceLost, target, err)
		}
		if ok {
			// Refresh the cache; the device has reached at least target.
			if _, err := t.CompletedValue(); err != nil {
				return err
			}
			if !t.Reached(target) {
				t.mu.Lock()
				if t.completed.Load() < target {
					t.completed.Store(target)
				}
				t.mu.Unlock()
			}
			return nil
		}
	}
}
