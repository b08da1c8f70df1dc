// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/backend/native"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Driver errors.
var (
	// ErrFrameSkipped is returned by Update when no allocator context is
	// free. The caller simply renders the next frame later.
	ErrFrameSkipped = errors.New("frame: no free context, frame skipped")

	// ErrClosed is returned when using a Driver after Close.
	ErrClosed = errors.New("frame: driver closed")

	// ErrInvalidConfig is returned for a zero-sized surface or a bad
	// buffer count.
	ErrInvalidConfig = errors.New("frame: invalid config")

	// ErrNotRecording is returned when the queue could not open a command
	// list for the frame.
	ErrNotRecording = errors.New("frame: could not start recording")
)

// Defaults.
const (
	// DefaultBufferCount is the number of back buffers in the ring.
	DefaultBufferCount = 3

	// MaxBufferCount bounds the ring.
	MaxBufferCount = 8
)

// DefaultClearColor is the clear color used when Config.ClearColor is unset.
var DefaultClearColor = gputypes.Color{R: 0.1, G: 0.1, B: 0.25, A: 1}

// BackBufferFormat is the pixel format of every back buffer.
const BackBufferFormat = gputypes.TextureFormatBGRA8Unorm

// presentUsage is the state back buffers rest in between frames. The
// presenter and Capture read them with copies.
const presentUsage = gputypes.TextureUsageCopySrc

// Presenter receives each finished back buffer after its frame has been
// handed to the queue. The texture stays valid until the next Resize or
// Close.
type Presenter interface {
	Present(tex *native.Texture, index int) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(tex *native.Texture, index int) error

// Present calls f.
func (f PresenterFunc) Present(tex *native.Texture, index int) error { return f(tex, index) }

// DrawFunc records caller draws into the frame's render pass.
type DrawFunc func(rp hal.RenderPassEncoder)

// Config describes a Driver.
type Config struct {
	// Width and Height are the back-buffer size in pixels.
	Width  uint32
	Height uint32

	// BufferCount is the ring size. Zero selects DefaultBufferCount.
	BufferCount int

	// ClearColor is applied at the start of every frame. The zero value
	// selects DefaultClearColor.
	ClearColor gputypes.Color

	// Draw, if set, records into the clear pass of every frame.
	Draw DrawFunc

	// Presenter, if set, is called after every submitted frame.
	Presenter Presenter

	// Logger defaults to cmdqueue.Logger().
	Logger *slog.Logger
}

// withDefaults fills unset fields and validates the rest.
func (c Config) withDefaults() (Config, error) {
	if c.Width == 0 || c.Height == 0 {
		return c, fmt.Errorf("%w: size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.BufferCount == 0 {
		c.BufferCount = DefaultBufferCount
	}
	if c.BufferCount < 1 || c.BufferCount > MaxBufferCount {
		return c, fmt.Errorf("%w: buffer count %d (want 1..%d)", ErrInvalidConfig, c.BufferCount, MaxBufferCount)
	}
	if c.ClearColor == (gputypes.Color{}) {
		c.ClearColor = DefaultClearColor
	}
	if c.Logger == nil {
		c.Logger = cmdqueue.Logger()
	}
	return c, nil
}

// Stats counts frames handled by a Driver.
type Stats struct {
	Submitted uint64
	Skipped   uint64
	Presented uint64
}

// Driver records and submits frames into a ring of back buffers.
type Driver struct {
	q   *cmdqueue.Queue
	dev *native.Device
	cfg Config
	log *slog.Logger

	buffers []*native.Texture
	used    []bool // buffers[i] has been rendered since it was created
	current int
	last    int // index of the last submitted buffer, -1 before the first frame

	stats  Stats
	closed bool
}

// New creates a Driver and its back buffers. The queue must have been
// created on dev.
func New(q *cmdqueue.Queue, dev *native.Device, cfg Config) (*Driver, error) {
	if q == nil || dev == nil {
		return nil, fmt.Errorf("%w: nil queue or device", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	d := &Driver{q: q, dev: dev, cfg: cfg, log: cfg.Logger}
	buffers, err := d.createBuffers(cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	d.setBuffers(buffers)
	d.log.Info("frame: driver created",
		"width", cfg.Width, "height", cfg.Height, "buffers", cfg.BufferCount)
	return d, nil
}

// createBuffers allocates a back-buffer ring of width x height. On error
// nothing is left allocated.
func (d *Driver) createBuffers(width, height uint32) ([]*native.Texture, error) {
	buffers := make([]*native.Texture, 0, d.cfg.BufferCount)
	for i := range d.cfg.BufferCount {
		tex, err := d.dev.CreateTexture(native.TextureDescriptor{
			Label:  fmt.Sprintf("frame_backbuffer_%d", i),
			Width:  width,
			Height: height,
			Format: BackBufferFormat,
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
		})
		if err != nil {
			for _, b := range buffers {
				b.Release()
			}
			return nil, fmt.Errorf("frame: create back buffer %d: %w", i, err)
		}
		buffers = append(buffers, tex)
	}
	return buffers, nil
}

// setBuffers installs a fresh ring and restarts it at buffer 0.
func (d *Driver) setBuffers(buffers []*native.Texture) {
	d.buffers = buffers
	d.used = make([]bool, len(buffers))
	d.current = 0
	d.last = -1
}

func (d *Driver) releaseBuffers() {
	for _, b := range d.buffers {
		b.Release()
	}
	d.buffers = nil
	d.used = nil
}

// Size returns the back-buffer size.
func (d *Driver) Size() (width, height uint32) { return d.cfg.Width, d.cfg.Height }

// BufferCount returns the ring size.
func (d *Driver) BufferCount() int { return len(d.buffers) }

// Current returns the index of the back buffer the next Update renders to.
func (d *Driver) Current() int { return d.current }

// Stats returns the frame counters.
func (d *Driver) Stats() Stats { return d.stats }

// Update records and submits one frame.
//
// It never blocks on the device: when every context is in flight it
// returns ErrFrameSkipped. Presenter errors are returned after the frame
// has been submitted.
func (d *Driver) Update() error {
	if d.closed {
		return ErrClosed
	}

	idx := d.q.Acquire()
	if !idx.Valid() {
		if err := d.q.Err(); err != nil {
			return fmt.Errorf("frame: queue failed: %w", err)
		}
		d.stats.Skipped++
		d.log.Warn("frame: context index is invalid, frame skipped", "skipped", d.stats.Skipped)
		return ErrFrameSkipped
	}
	d.log.Debug("frame: recording", "context", idx, "buffer", d.current)

	list, ok := d.q.StartRecording(idx, cmdqueue.ListDirect).(*native.CommandList)
	if !ok {
		d.q.Discard(idx)
		return ErrNotRecording
	}

	bb := d.buffers[d.current]
	d.record(list.Encoder(), bb, d.used[d.current])
	d.used[d.current] = true

	d.q.Finalize(idx)
	d.q.NotifyReadyToProcess()

	presented := d.current
	d.last = presented
	d.current = (d.current + 1) % len(d.buffers)
	d.stats.Submitted++

	if d.cfg.Presenter != nil {
		if err := d.cfg.Presenter.Present(bb, presented); err != nil {
			return fmt.Errorf("frame: present buffer %d: %w", presented, err)
		}
		d.stats.Presented++
	}
	return nil
}

// record encodes one frame into enc targeting bb. used reports whether bb
// has been rendered before.
func (d *Driver) record(enc hal.CommandEncoder, bb *native.Texture, used bool) {
	d.beginFrame(enc, bb, used)

	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "frame_clear_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       bb.View(),
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: d.cfg.ClearColor,
		}},
	})
	if d.cfg.Draw != nil {
		d.cfg.Draw(rp)
	}
	rp.End()

	d.endFrame(enc, bb)
}

// beginFrame moves the back buffer to a render attachment. A buffer that
// has never been rendered has no prior usage.
func (d *Driver) beginFrame(enc hal.CommandEncoder, bb *native.Texture, used bool) {
	old := gputypes.TextureUsageNone
	if used {
		old = presentUsage
	}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: bb.Raw(),
		Usage: hal.TextureUsageTransition{
			OldUsage: old,
			NewUsage: gputypes.TextureUsageRenderAttachment,
		},
	}})
}

// endFrame returns the back buffer to its presentable state.
func (d *Driver) endFrame(enc hal.CommandEncoder, bb *native.Texture) {
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: bb.Raw(),
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: presentUsage,
		},
	}})
}

// Resize waits for the device to finish every submitted frame, then
// recreates the back buffers at the new size. If the new buffers cannot be
// created the old ring and size are kept.
func (d *Driver) Resize(ctx context.Context, width, height uint32) error {
	if d.closed {
		return ErrClosed
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidConfig, width, height)
	}
	if width == d.cfg.Width && height == d.cfg.Height {
		return nil
	}
	if err := d.q.WaitForGPU(ctx); err != nil {
		return fmt.Errorf("frame: resize: %w", err)
	}

	buffers, err := d.createBuffers(width, height)
	if err != nil {
		return fmt.Errorf("frame: resize to %dx%d: %w", width, height, err)
	}
	d.releaseBuffers()
	d.setBuffers(buffers)
	oldW, oldH := d.cfg.Width, d.cfg.Height
	d.cfg.Width, d.cfg.Height = width, height
	d.log.Info("frame: resized",
		"from", fmt.Sprintf("%dx%d", oldW, oldH),
		"to", fmt.Sprintf("%dx%d", width, height))
	return nil
}

// Close waits for the device to finish and releases the back buffers.
// A queue that has already shut down is treated as idle. Close is
// idempotent.
func (d *Driver) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	if err := d.q.WaitForGPU(ctx); err != nil && !errors.Is(err, cmdqueue.ErrQueueClosed) {
		return fmt.Errorf("frame: close: %w", err)
	}
	d.closed = true
	d.releaseBuffers()
	d.log.Info("frame: driver closed",
		"submitted", d.stats.Submitted, "skipped", d.stats.Skipped)
	return nil
}
