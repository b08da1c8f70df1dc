package native

import "github.com/gogpu/cmdqueue/backend"

var _ backend.Device = (*Device)(nil)

func init() {
	backend.Register(backend.BackendNoop, func() (backend.Device, error) {
		return OpenNoop()
	})
}
