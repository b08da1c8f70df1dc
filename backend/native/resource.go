package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Buffer is a device buffer usable as a cmdqueue keep-alive resource.
type Buffer struct {
	dev   *Device
	raw   hal.Buffer
	size  uint64
	label string
	once  sync.Once
}

var _ cmdqueue.Resource = (*Buffer)(nil)

// CreateBuffer creates a buffer of size bytes.
func (d *Device) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has size 0", ErrInvalidSize, label)
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create buffer %q: %w", label, err)
	}
	return &Buffer{dev: d, raw: raw, size: size, label: label}, nil
}

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Release destroys the buffer. Later calls are no-ops.
func (b *Buffer) Release() {
	b.once.Do(func() {
		b.dev.device.DestroyBuffer(b.raw)
	})
}

// WriteBuffer uploads data into buf at offset through the queue.
func (d *Device) WriteBuffer(buf *Buffer, offset uint64, data []byte) error {
	if offset+uint64(len(data)) > buf.size {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds buffer %q (%d bytes)",
			ErrInvalidSize, len(data), offset, buf.label, buf.size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.queue.WriteBuffer(buf.raw, offset, data)
	return nil
}

// ReadBuffer copies len(dst) bytes from buf at offset. The caller must make
// sure the device has finished writing buf, e.g. with Queue.WaitForGPU.
func (d *Device) ReadBuffer(buf *Buffer, offset uint64, dst []byte) error {
	if offset+uint64(len(dst)) > buf.size {
		return fmt.Errorf("%w: read of %d bytes at %d exceeds buffer %q (%d bytes)",
			ErrInvalidSize, len(dst), offset, buf.label, buf.size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.queue.ReadBuffer(buf.raw, offset, dst); err != nil {
		return fmt.Errorf("native: read buffer %q: %w", buf.label, err)
	}
	return nil
}

// TextureDescriptor describes a 2D texture.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// Texture is a 2D device texture with its default view.
type Texture struct {
	dev  *Device
	raw  hal.Texture
	view hal.TextureView
	desc TextureDescriptor
	once sync.Once
}

var _ cmdqueue.Resource = (*Texture)(nil)

// CreateTexture creates a single-sample 2D texture and its default view.
func (d *Device) CreateTexture(desc TextureDescriptor) (*Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q is %dx%d", ErrInvalidSize, desc.Label, desc.Width, desc.Height)
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create texture %q: %w", desc.Label, err)
	}
	view, err := d.device.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label: desc.Label + "_view",
	})
	if err != nil {
		d.device.DestroyTexture(raw)
		return nil, fmt.Errorf("native: create view for %q: %w", desc.Label, err)
	}
	return &Texture{dev: d, raw: raw, view: view, desc: desc}, nil
}

// Raw returns the HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// View returns the default texture view.
func (t *Texture) View() hal.TextureView { return t.view }

// Descriptor returns the descriptor the texture was created with.
func (t *Texture) Descriptor() TextureDescriptor { return t.desc }

// Release destroys the view and the texture. Later calls are no-ops.
func (t *Texture) Release() {
	t.once.Do(func() {
		t.dev.device.DestroyTextureView(t.view)
		t.dev.device.DestroyTexture(t.raw)
	})
}
