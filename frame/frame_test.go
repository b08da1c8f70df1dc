//go:build !nogpu

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/backend/native"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// newTestDriver opens a noop device, a queue on it and a Driver.
func newTestDriver(t *testing.T, poolSize int, cfg Config) (*Driver, *cmdqueue.Queue) {
	t.Helper()
	dev, err := native.OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	q, err := cmdqueue.New(dev, cmdqueue.WithPoolSize(poolSize))
	if err != nil {
		dev.Close()
		t.Fatalf("cmdqueue.New failed: %v", err)
	}
	d, err := New(q, dev, cfg)
	if err != nil {
		_ = q.Shutdown(t.Context())
		dev.Close()
		t.Fatalf("frame.New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close(t.Context())
		_ = q.Shutdown(t.Context())
		dev.Close()
	})
	return d, q
}

var errNoTextureMemory = errors.New("out of texture memory")

// hookDevice wraps a HAL device to fail texture creation on demand and to
// record the texture transitions of every encoder it creates.
type hookDevice struct {
	hal.Device

	failTextures atomic.Bool

	mu          sync.Mutex
	transitions []hal.TextureUsageTransition
}

func (d *hookDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.failTextures.Load() {
		return nil, errNoTextureMemory
	}
	return d.Device.CreateTexture(desc)
}

func (d *hookDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &hookEncoder{CommandEncoder: enc, dev: d}, nil
}

func (d *hookDevice) recorded() []hal.TextureUsageTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.TextureUsageTransition(nil), d.transitions...)
}

type hookEncoder struct {
	hal.CommandEncoder
	dev *hookDevice
}

func (e *hookEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	e.dev.mu.Lock()
	for _, b := range barriers {
		e.dev.transitions = append(e.dev.transitions, b.Usage)
	}
	e.dev.mu.Unlock()
	e.CommandEncoder.TransitionTextures(barriers)
}

// newHookedDriver is newTestDriver on a noop device wrapped by hookDevice.
func newHookedDriver(t *testing.T, poolSize int, cfg Config) (*Driver, *cmdqueue.Queue, *hookDevice) {
	t.Helper()
	base, err := native.OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	hook := &hookDevice{Device: base.HalDevice()}
	dev := native.Wrap(hook, base.HalQueue())
	q, err := cmdqueue.New(dev, cmdqueue.WithPoolSize(poolSize))
	if err != nil {
		base.Close()
		t.Fatalf("cmdqueue.New failed: %v", err)
	}
	d, err := New(q, dev, cfg)
	if err != nil {
		_ = q.Shutdown(t.Context())
		base.Close()
		t.Fatalf("frame.New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close(t.Context())
		_ = q.Shutdown(t.Context())
		dev.Close()
		base.Close()
	})
	return d, q, hook
}

func TestNew_InvalidConfig(t *testing.T) {
	dev, err := native.OpenNoop()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	q, err := cmdqueue.New(dev, cmdqueue.WithPoolSize(2))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Shutdown(t.Context())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero width", Config{Width: 0, Height: 10}},
		{"zero height", Config{Width: 10, Height: 0}},
		{"too many buffers", Config{Width: 10, Height: 10, BufferCount: MaxBufferCount + 1}},
		{"negative buffers", Config{Width: 10, Height: 10, BufferCount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(q, dev, tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := New(nil, dev, Config{Width: 1, Height: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New(nil queue) error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := Config{Width: 4, Height: 4}.withDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BufferCount != DefaultBufferCount {
		t.Errorf("BufferCount = %d, want %d", cfg.BufferCount, DefaultBufferCount)
	}
	if cfg.ClearColor != DefaultClearColor {
		t.Errorf("ClearColor = %+v, want default", cfg.ClearColor)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestUpdate_CyclesBackBuffers(t *testing.T) {
	var presented []int
	drew := 0
	d, q := newTestDriver(t, 4, Config{
		Width:  64,
		Height: 48,
		Draw: func(rp hal.RenderPassEncoder) {
			if rp == nil {
				t.Error("Draw got a nil render pass")
			}
			drew++
		},
		Presenter: PresenterFunc(func(tex *native.Texture, index int) error {
			if tex == nil {
				t.Error("Present got a nil texture")
			}
			presented = append(presented, index)
			return nil
		}),
	})

	if d.BufferCount() != DefaultBufferCount {
		t.Fatalf("BufferCount() = %d, want %d", d.BufferCount(), DefaultBufferCount)
	}
	for range 5 {
		if err := d.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := q.WaitForGPU(t.Context()); err != nil {
			t.Fatalf("WaitForGPU: %v", err)
		}
	}

	want := []int{0, 1, 2, 0, 1}
	if len(presented) != len(want) {
		t.Fatalf("presented %v, want %v", presented, want)
	}
	for i := range want {
		if presented[i] != want[i] {
			t.Errorf("frame %d presented buffer %d, want %d", i, presented[i], want[i])
		}
	}
	if drew != 5 {
		t.Errorf("Draw called %d times, want 5", drew)
	}
	if d.Current() != 2 {
		t.Errorf("Current() = %d, want 2", d.Current())
	}
	s := d.Stats()
	if s.Submitted != 5 || s.Presented != 5 || s.Skipped != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if qs := q.Stats(); qs.Batches == 0 || qs.Lists != 5 {
		t.Errorf("queue stats = %v (lists %d)", qs, qs.Lists)
	}
}

func TestUpdate_SkipsWhenExhausted(t *testing.T) {
	d, q := newTestDriver(t, 1, Config{Width: 8, Height: 8})

	held := q.Acquire()
	if err := d.Update(); !errors.Is(err, ErrFrameSkipped) {
		t.Fatalf("Update with exhausted pool error = %v, want ErrFrameSkipped", err)
	}
	if d.Stats().Skipped != 1 || d.Current() != 0 {
		t.Errorf("skipped frame changed the ring: %+v current %d", d.Stats(), d.Current())
	}

	q.Discard(held)
	if err := d.Update(); err != nil {
		t.Errorf("Update after release: %v", err)
	}
}

func TestUpdate_PresenterError(t *testing.T) {
	errPresent := errors.New("window gone")
	d, _ := newTestDriver(t, 2, Config{
		Width:     8,
		Height:    8,
		Presenter: PresenterFunc(func(*native.Texture, int) error { return errPresent }),
	})

	if err := d.Update(); !errors.Is(err, errPresent) {
		t.Errorf("Update error = %v, want presenter error", err)
	}
	if d.Stats().Submitted != 1 {
		t.Error("frame not counted as submitted before the presenter failed")
	}
}

func TestResize(t *testing.T) {
	d, _ := newTestDriver(t, 3, Config{Width: 32, Height: 32, BufferCount: 2})

	if err := d.Update(); err != nil {
		t.Fatal(err)
	}
	if err := d.Resize(t.Context(), 0, 10); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Resize(0, 10) error = %v, want ErrInvalidConfig", err)
	}
	if err := d.Resize(t.Context(), 32, 32); err != nil {
		t.Errorf("same-size Resize: %v", err)
	}
	if err := d.Resize(t.Context(), 100, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if w, h := d.Size(); w != 100 || h != 50 {
		t.Errorf("Size() = %dx%d, want 100x50", w, h)
	}
	if d.BufferCount() != 2 || d.Current() != 0 {
		t.Errorf("after Resize: %d buffers, current %d", d.BufferCount(), d.Current())
	}
	if _, err := d.Snapshot(t.Context()); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snapshot right after Resize error = %v, want ErrNoFrame", err)
	}
	if err := d.Update(); err != nil {
		t.Errorf("Update after Resize: %v", err)
	}
}

func TestResize_TextureFailureKeepsRing(t *testing.T) {
	d, q, hook := newHookedDriver(t, 2, Config{Width: 16, Height: 16, BufferCount: 2})

	if err := d.Update(); err != nil {
		t.Fatal(err)
	}
	hook.failTextures.Store(true)
	if err := d.Resize(t.Context(), 64, 64); !errors.Is(err, errNoTextureMemory) {
		t.Fatalf("Resize error = %v, want the texture error", err)
	}
	hook.failTextures.Store(false)

	if w, h := d.Size(); w != 16 || h != 16 {
		t.Errorf("Size() after failed Resize = %dx%d, want 16x16", w, h)
	}
	if d.BufferCount() != 2 {
		t.Errorf("BufferCount() after failed Resize = %d, want 2", d.BufferCount())
	}
	for range 3 {
		if err := d.Update(); err != nil {
			t.Fatalf("Update after failed Resize: %v", err)
		}
		if err := q.WaitForGPU(t.Context()); err != nil {
			t.Fatal(err)
		}
	}
	if s := q.Stats(); s.Free != s.Capacity {
		t.Errorf("contexts leaked after failed Resize: %v", s)
	}
	if err := d.Resize(t.Context(), 64, 64); err != nil {
		t.Errorf("Resize after recovery: %v", err)
	}
}

func TestUpdate_FirstUseTransition(t *testing.T) {
	d, q, hook := newHookedDriver(t, 2, Config{Width: 8, Height: 8, BufferCount: 2})

	for range 3 {
		if err := d.Update(); err != nil {
			t.Fatal(err)
		}
		if err := q.WaitForGPU(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	// Each frame records a begin and an end transition.
	got := hook.recorded()
	if len(got) != 6 {
		t.Fatalf("recorded %d transitions, want 6", len(got))
	}
	wantOld := []gputypes.TextureUsage{
		gputypes.TextureUsageNone, // buffer 0, first use
		gputypes.TextureUsageNone, // buffer 1, first use
		presentUsage,              // buffer 0 again
	}
	for frame, want := range wantOld {
		begin := got[frame*2]
		if begin.OldUsage != want || begin.NewUsage != gputypes.TextureUsageRenderAttachment {
			t.Errorf("frame %d begin transition = %+v, want %v -> render attachment", frame, begin, want)
		}
		end := got[frame*2+1]
		if end.OldUsage != gputypes.TextureUsageRenderAttachment || end.NewUsage != presentUsage {
			t.Errorf("frame %d end transition = %+v", frame, end)
		}
	}
}

func TestSnapshotAndCapture(t *testing.T) {
	d, _ := newTestDriver(t, 2, Config{Width: 70, Height: 20})

	if _, err := d.Snapshot(t.Context()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Snapshot before any frame error = %v, want ErrNoFrame", err)
	}
	if err := d.Update(); err != nil {
		t.Fatal(err)
	}

	img, err := d.Snapshot(t.Context())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 70 || b.Dy() != 20 {
		t.Errorf("snapshot bounds = %v, want 70x20", b)
	}

	var buf bytes.Buffer
	if err := d.Capture(t.Context(), &buf); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	decoded, err := bmp.Decode(&buf)
	if err != nil {
		t.Fatalf("captured data is not a BMP: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 70 || b.Dy() != 20 {
		t.Errorf("captured bounds = %v, want 70x20", b)
	}
}

func TestBGRAToRGBA(t *testing.T) {
	src := []byte{1, 2, 3, 4, 10, 20, 30, 40}
	dst := make([]byte, len(src))
	bgraToRGBA(dst, src)
	want := []byte{3, 2, 1, 4, 30, 20, 10, 40}
	if !bytes.Equal(dst, want) {
		t.Errorf("bgraToRGBA = %v, want %v", dst, want)
	}
}

func TestClose(t *testing.T) {
	d, q := newTestDriver(t, 2, Config{Width: 8, Height: 8, ClearColor: gputypes.Color{R: 1, A: 1}})

	if err := d.Update(); err != nil {
		t.Fatal(err)
	}
	if err := q.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	// The queue is already shut down and idle.
	if err := d.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(t.Context()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := d.Update(); !errors.Is(err, ErrClosed) {
		t.Errorf("Update after Close error = %v, want ErrClosed", err)
	}
	if err := d.Resize(t.Context(), 4, 4); !errors.Is(err, ErrClosed) {
		t.Errorf("Resize after Close error = %v, want ErrClosed", err)
	}
}
