// Package native implements the cmdqueue device contract on top of
// gogpu/wgpu HAL devices.
//
// A Device wraps a hal.Device and its hal.Queue. Allocators hand out
// CommandLists, each backed by one hal.CommandEncoder; closing a list ends
// encoding and keeps the resulting hal.CommandBuffer until the allocator is
// reset. Fences wrap hal.Fence and track the last value the device has
// reached.
//
// # Opening a device
//
// OpenNoop opens the no-op backend, which accepts every command and
// completes every fence immediately. It needs no GPU and is what the tests
// use:
//
//	dev, err := native.OpenNoop()
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	q, err := cmdqueue.New(dev)
//
// Open selects a registered HAL backend (Vulkan is registered unless the
// nogpu build tag is set) and prefers a discrete or integrated adapter.
// FromProvider shares a device owned by a host application such as gogpu.
//
// # Recording
//
// Lists returned by cmdqueue.Queue.StartRecording are *CommandList values;
// use Encoder to record render, compute and copy commands:
//
//	list := q.StartRecording(idx, cmdqueue.ListDirect).(*native.CommandList)
//	pass := list.Encoder().BeginRenderPass(desc)
//	...
//	pass.End()
package native
