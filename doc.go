// Package cmdqueue schedules GPU command-list submissions.
//
// # Overview
//
// cmdqueue turns recorded GPU work into batched submissions on a single
// device queue, tracks their completion with a fence, and reclaims the
// per-submission resources (command allocators, command lists, buffers the
// commands reference) only after the device has finished executing them.
//
// A Queue owns a fixed pool of allocator contexts. The caller acquires a
// context, records one or more command lists into it, and finalizes it.
// A background worker batches every finalized context into one device
// submission, signals the fence, and returns contexts to the pool once the
// fence reports completion.
//
// # Quick Start
//
//	dev, _ := native.OpenNoop()
//	defer dev.Close()
//
//	q, err := cmdqueue.New(dev, cmdqueue.WithPoolSize(8))
//	if err != nil {
//	    return err
//	}
//	defer q.Shutdown(context.Background())
//
//	idx := q.Acquire()
//	if !idx.Valid() {
//	    return nil // pool exhausted, try again next frame
//	}
//	list := q.StartRecording(idx, cmdqueue.ListDirect)
//	// ... record into list ...
//	q.Finalize(idx)
//	q.NotifyReadyToProcess()
//
// # Context Lifecycle
//
// Every context slot is in exactly one state at any time:
//
//	Free -> Recording -> Ready -> Submitted -> Pending -> Free
//
// Acquire moves Free to Recording and hands the caller a ContextIndex.
// Finalize moves Recording to Ready. The worker moves Ready through
// Submitted to Pending when it submits a batch, and Pending back to Free
// once the device fence reaches the batch's value. Pending contexts retire
// in submission order.
//
// # Backpressure
//
// Acquire never blocks. When every context is recording or in flight it
// returns NoContext and logs a warning; the caller skips the work or tries
// again later. AcquireWait offers a bounded wait for callers that prefer to
// block.
//
// # Backends
//
// The Device interface is implemented for gogpu/wgpu HAL devices by
// backend/native. Tests use the HAL noop backend.
package cmdqueue
