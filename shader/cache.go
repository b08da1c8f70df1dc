// Package shader loads and caches shader modules by file name.
//
// Files ending in .wgsl are compiled to SPIR-V with naga; files ending in
// .spv are used as-is. Any other extension is treated as SPIR-V as well,
// matching how precompiled blobs are usually shipped.
//
// Example:
//
//	cache, err := shader.NewCache("shaders", dev)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	mod, err := cache.Load("basic.wgsl")
package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/internal/lru"
	"github.com/gogpu/cmdqueue/internal/workpool"
)

// Cache errors.
var (
	// ErrNotLoaded is returned by Get and Unload for names not in the cache.
	ErrNotLoaded = errors.New("shader: not loaded")

	// ErrEmpty is returned when a shader file has no content.
	ErrEmpty = errors.New("shader: empty shader")

	// ErrBadSPIRV is returned for SPIR-V blobs whose size is not a multiple
	// of four bytes.
	ErrBadSPIRV = errors.New("shader: SPIR-V size is not a multiple of 4")

	// ErrClosed is returned when using a Cache after Close.
	ErrClosed = errors.New("shader: cache closed")
)

// ModuleCreator turns SPIR-V into device shader modules.
// *native.Device implements it.
type ModuleCreator interface {
	CreateShaderModule(label string, spirv []uint32) (hal.ShaderModule, error)
	DestroyShaderModule(m hal.ShaderModule)
}

// Module is a loaded shader.
type Module struct {
	// Name is the file name the module was loaded from.
	Name string

	// SPIRV is the code the module was created from.
	SPIRV []uint32

	// Handle is the device module.
	Handle hal.ShaderModule
}

// Option configures a Cache.
type Option func(*Cache)

// WithLimit bounds the number of resident modules. Loading past the limit
// destroys the least recently used module. Zero means unlimited.
func WithLimit(n int) Option {
	return func(c *Cache) { c.limit = n }
}

// WithLogger sets the cache logger. Defaults to cmdqueue.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// Cache is a name-keyed set of shader modules read from one directory.
//
// Cache is safe for concurrent use.
type Cache struct {
	fsys    fs.FS
	creator ModuleCreator
	log     *slog.Logger
	limit   int

	mu      sync.Mutex
	modules *lru.Cache[string, *Module]
	closed  bool
}

// NewCache creates a cache reading from dir. An empty dir selects the
// directory of the running executable.
func NewCache(dir string, creator ModuleCreator, opts ...Option) (*Cache, error) {
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("shader: locate executable: %w", err)
		}
		dir = filepath.Dir(exe)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("shader: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shader: %s is not a directory", dir)
	}
	return NewCacheFS(os.DirFS(dir), creator, opts...), nil
}

// NewCacheFS creates a cache reading from fsys, e.g. an embed.FS.
func NewCacheFS(fsys fs.FS, creator ModuleCreator, opts ...Option) *Cache {
	c := &Cache{
		fsys:    fsys,
		creator: creator,
		log:     cmdqueue.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.modules = lru.New(c.limit, c.evicted)
	return c
}

// evicted destroys a module pushed out by the limit. Called with c.mu held.
func (c *Cache) evicted(name string, m *Module) {
	c.log.Debug("shader: evicted", "name", name, "limit", c.limit)
	c.creator.DestroyShaderModule(m.Handle)
}

// Load reads, compiles and creates the named shader, replacing any module
// already cached under that name.
func (c *Cache) Load(name string) (*Module, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	code, err := c.read(name)
	if err != nil {
		return nil, err
	}
	return c.install(name, code)
}

// LoadAll loads several shaders, compiling them in parallel. Shaders that
// fail are skipped; their errors are joined in the returned error and the
// rest are still loaded.
func (c *Cache) LoadAll(names ...string) ([]*Module, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	codes := make([][]uint32, len(names))
	errs := make([]error, len(names))
	jobs := make([]func(), len(names))
	for i, name := range names {
		jobs[i] = func() { codes[i], errs[i] = c.read(name) }
	}
	pool := workpool.New(min(len(names), runtime.GOMAXPROCS(0)))
	pool.Run(jobs)
	pool.Close()

	mods := make([]*Module, 0, len(names))
	for i, name := range names {
		if errs[i] != nil {
			continue
		}
		m, err := c.install(name, codes[i])
		if err != nil {
			errs[i] = err
			continue
		}
		mods = append(mods, m)
	}
	return mods, errors.Join(errs...)
}

func (c *Cache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// read loads and compiles one shader file.
func (c *Cache) read(name string) ([]uint32, error) {
	data, err := fs.ReadFile(c.fsys, name)
	if err != nil {
		c.log.Warn("shader: file couldn't be read", "name", name, "err", err)
		return nil, fmt.Errorf("shader: read %s: %w", name, err)
	}
	if len(data) == 0 {
		c.log.Warn("shader: shader is empty", "name", name)
		return nil, fmt.Errorf("%w: %s", ErrEmpty, name)
	}
	return toSPIRV(name, data)
}

// install creates the device module for code and caches it under name.
func (c *Cache) install(name string, code []uint32) (*Module, error) {
	handle, err := c.creator.CreateShaderModule(name, code)
	if err != nil {
		return nil, fmt.Errorf("shader: create module %s: %w", name, err)
	}
	m := &Module{Name: name, SPIRV: code, Handle: handle}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.creator.DestroyShaderModule(handle)
		return nil, ErrClosed
	}
	if old, replaced := c.modules.Set(name, m); replaced {
		c.creator.DestroyShaderModule(old.Handle)
	}
	c.log.Debug("shader: loaded", "name", name, "words", len(code))
	return m, nil
}

// toSPIRV converts file content to SPIR-V words based on the extension.
func toSPIRV(name string, data []byte) ([]uint32, error) {
	if strings.EqualFold(path.Ext(name), ".wgsl") {
		spirv, err := naga.Compile(string(data))
		if err != nil {
			return nil, fmt.Errorf("shader: compile %s: %w", name, err)
		}
		data = spirv
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrBadSPIRV, name, len(data))
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words, nil
}

// Get returns a cached module and marks it recently used.
func (c *Cache) Get(name string) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.modules.Get(name)
	if !ok {
		c.log.Error("shader: shader doesn't exist", "name", name)
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return m, nil
}

// Unload destroys a cached module and forgets it.
func (c *Cache) Unload(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.modules.Delete(name)
	if !ok {
		c.log.Warn("shader: unload of unknown shader", "name", name)
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	c.creator.DestroyShaderModule(m.Handle)
	return nil
}

// Names returns the cached shader names in sorted order.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := c.modules.Keys()
	slices.Sort(names)
	return names
}

// Evictions returns how many modules the limit has destroyed.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modules.Evictions()
}

// Close destroys every cached module. Close is idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.modules.Clear(func(_ string, m *Module) {
		c.creator.DestroyShaderModule(m.Handle)
	})
}
