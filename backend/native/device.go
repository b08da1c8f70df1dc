package native

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// Device adapts a HAL device and its queue to cmdqueue.Device.
//
// Thread Safety: Device is safe for concurrent use. Queue operations
// (Submit, WriteBuffer, ReadBuffer) are serialized by an internal mutex,
// so the scheduler worker can submit while the recording goroutine uploads.
type Device struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	// instance is set when the Device opened the HAL device itself; Close
	// then destroys both. Shared devices are left to their owner.
	instance hal.Instance
	owned    bool

	adapterName string
	closed      bool

	log *slog.Logger
}

var _ cmdqueue.Device = (*Device)(nil)

// instanceCreator is the part of a HAL backend Open needs.
type instanceCreator interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// OpenNoop opens a device on the no-op HAL backend.
func OpenNoop() (*Device, error) {
	return openWith(&noop.API{}, "noop")
}

// Open opens a device on the registered HAL backend b, preferring a discrete
// or integrated GPU adapter over software ones.
func Open(b gputypes.Backend) (*Device, error) {
	backend, ok := hal.GetBackend(b)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, b)
	}
	return openWith(backend, fmt.Sprint(b))
}

func openWith(api instanceCreator, name string) (*Device, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create %s instance: %w", name, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w (%s)", ErrNoAdapter, name)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open %s device: %w", name, err)
	}

	d := &Device{
		device:      openDev.Device,
		queue:       openDev.Queue,
		instance:    instance,
		owned:       true,
		adapterName: selected.Info.Name,
		log:         cmdqueue.Logger(),
	}
	d.log.Info("native: device opened", "backend", name, "adapter", d.adapterName)
	return d, nil
}

// FromProvider wraps the HAL device of a host application. The provider
// must expose HalDevice() and HalQueue() returning hal.Device and
// hal.Queue, as gogpu does. The returned Device does not own the HAL
// device; Close leaves it open.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALDevice
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is %T", ErrNoHALDevice, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is %T", ErrNoHALDevice, hp.HalQueue())
	}
	return Wrap(device, queue), nil
}

// Wrap adapts an existing HAL device and queue. The caller keeps ownership.
func Wrap(device hal.Device, queue hal.Queue) *Device {
	return &Device{
		device: device,
		queue:  queue,
		log:    cmdqueue.Logger(),
	}
}

// HalDevice returns the underlying HAL device.
func (d *Device) HalDevice() hal.Device { return d.device }

// HalQueue returns the underlying HAL queue.
func (d *Device) HalQueue() hal.Queue { return d.queue }

// AdapterName returns the name of the adapter the device was opened on, or
// "" for wrapped devices.
func (d *Device) AdapterName() string { return d.adapterName }

// CreateAllocator implements cmdqueue.Device.
func (d *Device) CreateAllocator(t cmdqueue.ListType) (cmdqueue.Allocator, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return &Allocator{dev: d, listType: t}, nil
}

// CreateFence implements cmdqueue.Device.
func (d *Device) CreateFence() (cmdqueue.Fence, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence: %w", err)
	}
	return &Fence{dev: d, raw: raw}, nil
}

// Submit implements cmdqueue.Device. Every list must be a closed
// *CommandList from this backend and fence a *Fence.
func (d *Device) Submit(lists []cmdqueue.CommandList, fence cmdqueue.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != d {
		return fmt.Errorf("%w: fence %T", ErrForeignObject, fence)
	}

	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for i, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.alloc.dev != d {
			return fmt.Errorf("%w: list %d is %T", ErrForeignObject, i, l)
		}
		if cl.buf == nil {
			return fmt.Errorf("%w: list %d (%s)", ErrListOpen, i, cl.label)
		}
		bufs = append(bufs, cl.buf)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.queue.Submit(bufs, f.raw, value); err != nil {
		return fmt.Errorf("native: queue submit: %w", err)
	}
	f.signal(value)
	return nil
}

// Close releases the HAL device if this Device opened it. Objects created
// from the Device must be destroyed first; cmdqueue.Queue.Shutdown does
// that for the scheduler's own objects.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if !d.owned {
		return
	}
	d.device.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	d.log.Info("native: device closed", "adapter", d.adapterName)
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}
