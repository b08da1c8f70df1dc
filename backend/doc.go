// Package backend is a registry of devices a cmdqueue.Queue can run on.
//
// Device implementations register a Factory under a name from an init()
// function. Importing backend/native registers "noop" and, unless the
// nogpu build tag is set, "vulkan":
//
//	import _ "github.com/gogpu/cmdqueue/backend/native"
//
// # Backend Selection
//
// Use Open with a name to request a specific backend, or with an empty
// name to get the best one that opens on this machine:
//
//	dev, err := backend.Open("")
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	q, err := cmdqueue.New(dev)
//
// The priority order is vulkan, then noop, then any other registered
// backend in name order.
package backend
