package native

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// CreatePipelineLayout creates a pipeline layout over the given bind group
// layouts. An empty list gives a layout with no bindings.
func (d *Device) CreatePipelineLayout(label string, groups []hal.BindGroupLayout) (hal.PipelineLayout, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	l, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: groups,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create pipeline layout %q: %w", label, err)
	}
	return l, nil
}

// DestroyPipelineLayout releases a layout created by CreatePipelineLayout.
func (d *Device) DestroyPipelineLayout(l hal.PipelineLayout) {
	d.device.DestroyPipelineLayout(l)
}

// CreateRenderPipeline creates a render pipeline. A zero sample count is
// treated as one.
func (d *Device) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	if desc.Vertex.Module == nil {
		return nil, fmt.Errorf("native: render pipeline %q has no vertex module", desc.Label)
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Multisample.Count == 0 {
		desc.Multisample.Count = 1
		desc.Multisample.Mask = 0xFFFFFFFF
	}
	p, err := d.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("native: create render pipeline %q: %w", desc.Label, err)
	}
	d.log.Debug("native: render pipeline created", "label", desc.Label)
	return p, nil
}

// DestroyRenderPipeline releases a pipeline created by CreateRenderPipeline.
func (d *Device) DestroyRenderPipeline(p hal.RenderPipeline) {
	d.device.DestroyRenderPipeline(p)
}
