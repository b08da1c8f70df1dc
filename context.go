package cmdqueue

import (
	"fmt"
	"log/slog"
)

// ContextIndex identifies an allocator context checked out of a Queue.
//
// The zero value is NoContext, which never refers to a slot. Callers receive
// indices from Acquire and hand them back to StartRecording, KeepAlive and
// Finalize; they never own the context itself.
type ContextIndex struct {
	slot  uint8
	valid bool
}

// NoContext is returned by Acquire when every context is in use.
var NoContext ContextIndex

// contextAt returns the index for slot i.
func contextAt(i int) ContextIndex {
	return ContextIndex{slot: uint8(i), valid: true} //nolint:gosec // G115: i < MaxPoolSize
}

// Valid reports whether idx refers to a context slot.
func (idx ContextIndex) Valid() bool { return idx.valid }

// Index returns the slot number, or -1 for NoContext.
func (idx ContextIndex) Index() int {
	if !idx.valid {
		return -1
	}
	return int(idx.slot)
}

// String returns "ctx<n>" or "none".
func (idx ContextIndex) String() string {
	if !idx.valid {
		return "none"
	}
	return fmt.Sprintf("ctx%d", idx.slot)
}

// LogValue implements slog.LogValuer.
func (idx ContextIndex) LogValue() slog.Value {
	return slog.StringValue(idx.String())
}

// slotState is the lifecycle state of an allocator context.
// Each slot is in exactly one state; all transitions happen under Queue.mu.
type slotState uint8

const (
	slotFree slotState = iota
	slotRecording
	slotReady
	slotSubmitted
	slotPending
)

// String returns the state name.
func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotRecording:
		return "recording"
	case slotReady:
		return "ready"
	case slotSubmitted:
		return "submitted"
	case slotPending:
		return "pending"
	default:
		return fmt.Sprintf("slotState(%d)", uint8(s))
	}
}

// allocatorContext is one reusable unit of recordable GPU work.
//
// state and seq are guarded by Queue.mu. The remaining fields belong to
// whoever owns the slot by state: the caller while recording, the worker
// while submitted or pending.
type allocatorContext struct {
	state slotState

	// seq orders ready contexts by Finalize call.
	seq uint64

	allocator Allocator
	lists     []CommandList
	open      CommandList
	keepAlive []Resource

	// retireValue is the fence value of the batch this context was
	// submitted in. Zero means not submitted.
	retireValue uint64
}

// closeOpen closes the open command list, if any.
func (c *allocatorContext) closeOpen() error {
	if c.open == nil {
		return nil
	}
	l := c.open
	c.open = nil
	return l.Close()
}

// reclaim resets the allocator and drops every per-cycle reference.
// Keep-alive resources are released here, after the device is done.
// retireValue is cleared by the caller under Queue.mu.
func (c *allocatorContext) reclaim() error {
	err := c.allocator.Reset()
	c.open = nil
	clear(c.lists)
	c.lists = c.lists[:0]
	for _, r := range c.keepAlive {
		r.Release()
	}
	clear(c.keepAlive)
	c.keepAlive = c.keepAlive[:0]
	return err
}
