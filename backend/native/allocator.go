package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/wgpu/hal"
)

// Allocator groups the command lists recorded in one context cycle.
//
// HAL devices have no separate allocator object, so the Allocator tracks
// the encoders it produced and frees their command buffers on Reset.
type Allocator struct {
	dev      *Device
	listType cmdqueue.ListType

	mu     sync.Mutex
	lists  []*CommandList
	serial uint64
}

var _ cmdqueue.Allocator = (*Allocator)(nil)

// NewCommandList creates an encoder and begins encoding on it.
func (a *Allocator) NewCommandList(t cmdqueue.ListType) (cmdqueue.CommandList, error) {
	if err := a.dev.checkOpen(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.serial++
	label := fmt.Sprintf("cmdqueue_%s_%d", t, a.serial)
	a.mu.Unlock()

	enc, err := a.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}

	cl := &CommandList{alloc: a, enc: enc, label: label, listType: t}
	a.mu.Lock()
	a.lists = append(a.lists, cl)
	a.mu.Unlock()
	return cl, nil
}

// Reset frees every command buffer recorded since the last Reset and
// discards encoders that were never closed.
func (a *Allocator) Reset() error {
	a.mu.Lock()
	lists := a.lists
	a.lists = nil
	a.mu.Unlock()

	for _, cl := range lists {
		cl.release()
	}
	return nil
}

// Destroy releases whatever the allocator still holds.
func (a *Allocator) Destroy() {
	_ = a.Reset()
}

// Lists returns the number of lists recorded since the last Reset.
func (a *Allocator) Lists() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lists)
}

// CommandList is one hal.CommandEncoder and, once closed, the command buffer
// it produced.
type CommandList struct {
	alloc    *Allocator
	enc      hal.CommandEncoder
	buf      hal.CommandBuffer
	label    string
	listType cmdqueue.ListType
	released bool
}

var _ cmdqueue.CommandList = (*CommandList)(nil)

// Encoder returns the HAL encoder to record commands with. It must not be
// used after Close.
func (cl *CommandList) Encoder() hal.CommandEncoder { return cl.enc }

// Type returns the list type the list was created for.
func (cl *CommandList) Type() cmdqueue.ListType { return cl.listType }

// Label returns the debug label of the encoder.
func (cl *CommandList) Label() string { return cl.label }

// CommandBuffer returns the recorded buffer, or nil while still recording.
func (cl *CommandList) CommandBuffer() hal.CommandBuffer { return cl.buf }

// Closed reports whether encoding has ended.
func (cl *CommandList) Closed() bool { return cl.buf != nil }

// Close ends encoding. Closing a closed list is a no-op. If ending fails
// the encoder is discarded and the list cannot be submitted.
func (cl *CommandList) Close() error {
	if cl.buf != nil {
		return nil
	}
	if cl.enc == nil {
		return fmt.Errorf("native: close %s: list released", cl.label)
	}
	buf, err := cl.enc.EndEncoding()
	if err != nil {
		cl.enc.DiscardEncoding()
		cl.enc = nil
		return fmt.Errorf("native: end encoding %s: %w", cl.label, err)
	}
	cl.buf = buf
	return nil
}

// release returns the list's HAL objects to the device.
func (cl *CommandList) release() {
	if cl.released {
		return
	}
	cl.released = true
	switch {
	case cl.buf != nil:
		cl.alloc.dev.device.FreeCommandBuffer(cl.buf)
	case cl.enc != nil:
		cl.enc.DiscardEncoding()
	}
	cl.buf = nil
	cl.enc = nil
}
