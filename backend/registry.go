package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Backend names registered by backend/native.
const (
	BackendVulkan = "vulkan"
	BackendNoop   = "noop"
)

// Factory opens a device.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for Open("") (first that opens wins).
	// Hardware first, noop as the fallback.
	backendPriority = []string{BackendVulkan, BackendNoop}
)

// Register registers a factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens the named backend. An empty name opens the best available
// backend: the priority list is tried in order, then every other
// registered backend, and the first one that opens wins.
func Open(name string) (Device, error) {
	if name != "" {
		registryMu.RLock()
		factory, ok := backends[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
		}
		return factory()
	}

	var errs []error
	for _, name := range openOrder() {
		registryMu.RLock()
		factory, ok := backends[name]
		registryMu.RUnlock()
		if !ok {
			continue
		}
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, errors.Join(errs...))
}

// openOrder lists registered names with the priority ones first.
func openOrder() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	order := make([]string, 0, len(backends))
	for _, name := range backendPriority {
		if _, ok := backends[name]; ok {
			order = append(order, name)
		}
	}
	rest := make([]string, 0, len(backends))
	for name := range backends {
		if !slices.Contains(backendPriority, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}
