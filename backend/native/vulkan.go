//go:build !nogpu

package native

import (
	"github.com/gogpu/cmdqueue/backend"
	"github.com/gogpu/gputypes"

	// Register the Vulkan HAL backend for Open.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendVulkan, func() (backend.Device, error) {
		return Open(gputypes.BackendVulkan)
	})
}
