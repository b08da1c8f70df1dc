// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"golang.org/x/image/bmp"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/backend/native"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrNoFrame is returned by Snapshot before any frame has been submitted.
var ErrNoFrame = errors.New("frame: no frame submitted yet")

// copyPitchAlignment is the row alignment required for texture-to-buffer
// copies.
const copyPitchAlignment = 256

// Snapshot reads the last submitted back buffer into an RGBA image.
//
// It records a copy into a staging buffer on its own context, then waits
// for the device with Queue.WaitForGPU. This is slow; use it for
// screenshots and tests, not per frame.
func (d *Driver) Snapshot(ctx context.Context) (*image.RGBA, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if d.last < 0 {
		return nil, ErrNoFrame
	}
	bb := d.buffers[d.last]
	w, h := d.cfg.Width, d.cfg.Height

	bytesPerRow := w * 4
	alignedBytesPerRow := (bytesPerRow + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	size := uint64(alignedBytesPerRow) * uint64(h)

	staging, err := d.dev.CreateBuffer("frame_capture_staging", size,
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("frame: snapshot: %w", err)
	}

	idx, err := d.q.AcquireWait(ctx)
	if err != nil {
		staging.Release()
		return nil, fmt.Errorf("frame: snapshot: %w", err)
	}
	list, ok := d.q.StartRecording(idx, cmdqueue.ListCopy).(*native.CommandList)
	if !ok {
		d.q.Discard(idx)
		staging.Release()
		return nil, ErrNotRecording
	}

	// Back buffers rest in the copy-source state, so no barrier is needed.
	list.Encoder().CopyTextureToBuffer(bb.Raw(), staging.Raw(), []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: alignedBytesPerRow, RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: bb.Raw(), MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
	d.q.Finalize(idx)

	if err := d.q.WaitForGPU(ctx); err != nil {
		// The copy may still be running; leave the staging buffer alone.
		d.log.Error("frame: snapshot wait failed, staging buffer leaked", "err", err)
		return nil, fmt.Errorf("frame: snapshot: %w", err)
	}
	defer staging.Release()

	readback := make([]byte, size)
	if err := d.dev.ReadBuffer(staging, 0, readback); err != nil {
		return nil, fmt.Errorf("frame: snapshot: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for row := range int(h) {
		src := readback[row*int(alignedBytesPerRow):]
		dst := img.Pix[row*img.Stride:]
		bgraToRGBA(dst[:bytesPerRow], src[:bytesPerRow])
	}
	return img, nil
}

// bgraToRGBA converts one row of BGRA pixels.
func bgraToRGBA(dst, src []byte) {
	for i := 0; i+3 < len(src); i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

// Capture writes the last submitted frame to w as a BMP image.
func (d *Driver) Capture(ctx context.Context, w io.Writer) error {
	img, err := d.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := bmp.Encode(w, img); err != nil {
		return fmt.Errorf("frame: encode capture: %w", err)
	}
	return nil
}
