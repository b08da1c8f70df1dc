// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package frame drives per-frame rendering through a cmdqueue.Queue.
//
// A Driver owns a ring of back-buffer textures. Each Update acquires an
// allocator context, transitions the current back buffer from its
// presentable state to a render attachment, clears it, records any draws
// supplied by the caller, transitions it back, and hands the context to the
// queue's worker. When the pool is exhausted the frame is skipped rather
// than blocking the caller.
//
// Basic usage:
//
//	dev, _ := native.OpenNoop()
//	q, _ := cmdqueue.New(dev)
//	d, err := frame.New(q, dev, frame.Config{Width: 800, Height: 600})
//	if err != nil {
//	    return err
//	}
//	defer d.Close(ctx)
//
//	for running {
//	    if err := d.Update(); err != nil && !errors.Is(err, frame.ErrFrameSkipped) {
//	        return err
//	    }
//	}
//
// The Driver is NOT thread-safe. Use it from the goroutine that records
// for the queue.
package frame
