package native

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// CreateShaderModule creates a shader module from SPIR-V words.
func (d *Device) CreateShaderModule(label string, spirv []uint32) (hal.ShaderModule, error) {
	if len(spirv) == 0 {
		return nil, fmt.Errorf("%w: shader %q is empty", ErrInvalidSize, label)
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	m, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("native: create shader module %q: %w", label, err)
	}
	return m, nil
}

// DestroyShaderModule releases a module created by CreateShaderModule.
func (d *Device) DestroyShaderModule(m hal.ShaderModule) {
	d.device.DestroyShaderModule(m)
}
