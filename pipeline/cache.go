// Package pipeline builds render pipelines from cached shader modules and
// keeps them by material name.
//
// A Cache owns one pipeline layout, shared by every material. Materials
// whose descriptors hash the same share one device pipeline.
//
//	pipes := pipeline.New(dev, shaders)
//	defer pipes.Close()
//	if err := pipes.SetLayout("main"); err != nil {
//	    return err
//	}
//	err := pipes.CreateMaterial(pipeline.Material{
//	    Name:     "flat",
//	    Vertex:   "flat.wgsl",
//	    Fragment: "flat.wgsl",
//	})
//	...
//	pipes.Bind(rp, "flat")
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/shader"
)

// Cache errors.
var (
	// ErrNoLayout is returned by CreateMaterial before SetLayout.
	ErrNoLayout = errors.New("pipeline: no pipeline layout set")

	// ErrLayoutInUse is returned by SetLayout while materials exist.
	ErrLayoutInUse = errors.New("pipeline: layout in use by materials")

	// ErrUnknownMaterial is returned for material names not in the cache.
	ErrUnknownMaterial = errors.New("pipeline: unknown material")

	// ErrInvalidMaterial is returned for a material without a name or a
	// vertex shader.
	ErrInvalidMaterial = errors.New("pipeline: invalid material")

	// ErrClosed is returned when using a Cache after Close.
	ErrClosed = errors.New("pipeline: cache closed")
)

// Entry point and format defaults applied to a Material.
const (
	DefaultVertexEntry   = "vs_main"
	DefaultFragmentEntry = "fs_main"
	DefaultFormat        = gputypes.TextureFormatBGRA8Unorm
)

// Creator makes and destroys device pipeline objects.
// *native.Device implements it.
type Creator interface {
	CreatePipelineLayout(label string, groups []hal.BindGroupLayout) (hal.PipelineLayout, error)
	DestroyPipelineLayout(l hal.PipelineLayout)
	CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error)
	DestroyRenderPipeline(p hal.RenderPipeline)
}

// Shaders looks up compiled modules by name. *shader.Cache implements it.
type Shaders interface {
	Get(name string) (*shader.Module, error)
}

// Material describes the pipeline state of one material.
type Material struct {
	// Name keys the material in the cache.
	Name string

	// Vertex and Fragment are shader names in the Shaders source. An empty
	// Fragment creates a depth-only pipeline.
	Vertex   string
	Fragment string

	// Entry points default to DefaultVertexEntry and DefaultFragmentEntry.
	VertexEntry   string
	FragmentEntry string

	Buffers   []gputypes.VertexBufferLayout
	Primitive gputypes.PrimitiveState

	// Format is the color target format. Zero selects DefaultFormat.
	Format gputypes.TextureFormat

	// Blend is nil for replace.
	Blend *gputypes.BlendState

	// SampleCount zero means one.
	SampleCount uint32
}

func (m Material) withDefaults() Material {
	if m.VertexEntry == "" {
		m.VertexEntry = DefaultVertexEntry
	}
	if m.FragmentEntry == "" {
		m.FragmentEntry = DefaultFragmentEntry
	}
	if m.Format == gputypes.TextureFormatUndefined {
		m.Format = DefaultFormat
	}
	if m.SampleCount == 0 {
		m.SampleCount = 1
	}
	return m
}

// entry is one device pipeline and the number of materials using it.
type entry struct {
	key  uint64
	raw  hal.RenderPipeline
	refs int
}

// Cache is safe for concurrent use.
type Cache struct {
	creator Creator
	shaders Shaders
	log     *slog.Logger

	mu         sync.RWMutex
	layout     hal.PipelineLayout
	layoutName string
	materials  map[string]*entry
	byKey      map[uint64]*entry
	closed     bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty cache. log may be nil to use cmdqueue.Logger().
func New(creator Creator, shaders Shaders, log *slog.Logger) *Cache {
	if log == nil {
		log = cmdqueue.Logger()
	}
	return &Cache{
		creator:   creator,
		shaders:   shaders,
		log:       log,
		materials: make(map[string]*entry),
		byKey:     make(map[uint64]*entry),
	}
}

// SetLayout creates the pipeline layout used by every later material,
// replacing the previous one. It fails with ErrLayoutInUse while materials
// built on the old layout exist.
func (c *Cache) SetLayout(name string, groups ...hal.BindGroupLayout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(c.materials) > 0 {
		return fmt.Errorf("%w: %d materials", ErrLayoutInUse, len(c.materials))
	}
	layout, err := c.creator.CreatePipelineLayout(name, groups)
	if err != nil {
		c.log.Warn("pipeline: couldn't create layout", "name", name, "err", err)
		return fmt.Errorf("pipeline: layout %s: %w", name, err)
	}
	if c.layout != nil {
		c.creator.DestroyPipelineLayout(c.layout)
	}
	c.layout, c.layoutName = layout, name
	return nil
}

// CreateMaterial builds the pipeline for m, or reuses an identical one, and
// stores it under m.Name. An existing material of that name is replaced.
func (c *Cache) CreateMaterial(m Material) error {
	if m.Name == "" || m.Vertex == "" {
		return fmt.Errorf("%w: name %q vertex %q", ErrInvalidMaterial, m.Name, m.Vertex)
	}
	m = m.withDefaults()

	vs, err := c.shaders.Get(m.Vertex)
	if err != nil {
		return fmt.Errorf("pipeline: material %s: %w", m.Name, err)
	}
	var fs *shader.Module
	if m.Fragment != "" {
		if fs, err = c.shaders.Get(m.Fragment); err != nil {
			return fmt.Errorf("pipeline: material %s: %w", m.Name, err)
		}
	}
	key := hashMaterial(&m, vs, fs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.layout == nil {
		c.log.Warn("pipeline: material created before a layout", "material", m.Name)
		return ErrNoLayout
	}

	e, ok := c.byKey[key]
	if ok {
		c.hits.Add(1)
	} else {
		raw, err := c.creator.CreateRenderPipeline(c.descriptor(&m, vs, fs))
		if err != nil {
			c.log.Error("pipeline: couldn't create pipeline", "material", m.Name, "err", err)
			return fmt.Errorf("pipeline: material %s: %w", m.Name, err)
		}
		e = &entry{key: key, raw: raw}
		c.byKey[key] = e
		c.misses.Add(1)
	}

	if old := c.materials[m.Name]; old != nil {
		if old == e {
			return nil
		}
		c.releaseLocked(old)
	}
	e.refs++
	c.materials[m.Name] = e
	c.log.Debug("pipeline: material ready", "material", m.Name, "shared", ok)
	return nil
}

// descriptor builds the device descriptor for a material. Called with c.mu
// held.
func (c *Cache) descriptor(m *Material, vs, fs *shader.Module) *hal.RenderPipelineDescriptor {
	desc := &hal.RenderPipelineDescriptor{
		Label:  m.Name,
		Layout: c.layout,
		Vertex: hal.VertexState{
			Module:     vs.Handle,
			EntryPoint: m.VertexEntry,
			Buffers:    m.Buffers,
		},
		Primitive: m.Primitive,
		Multisample: gputypes.MultisampleState{
			Count: m.SampleCount,
			Mask:  0xFFFFFFFF,
		},
	}
	if fs != nil {
		desc.Fragment = &hal.FragmentState{
			Module:     fs.Handle,
			EntryPoint: m.FragmentEntry,
			Targets: []gputypes.ColorTargetState{{
				Format:    m.Format,
				Blend:     m.Blend,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		}
	}
	return desc
}

// releaseLocked drops one material reference and destroys the pipeline
// when it was the last.
func (c *Cache) releaseLocked(e *entry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(c.byKey, e.key)
	c.creator.DestroyRenderPipeline(e.raw)
}

// Bind sets the material's pipeline on rp.
func (c *Cache) Bind(rp hal.RenderPassEncoder, name string) error {
	c.mu.RLock()
	e, ok := c.materials[name]
	c.mu.RUnlock()
	if !ok {
		c.log.Error("pipeline: material doesn't exist", "material", name)
		return fmt.Errorf("%w: %s", ErrUnknownMaterial, name)
	}
	rp.SetPipeline(e.raw)
	return nil
}

// Pipeline returns the device pipeline of a material.
func (c *Cache) Pipeline(name string) (hal.RenderPipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.materials[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMaterial, name)
	}
	return e.raw, nil
}

// Remove forgets a material, destroying its pipeline if no other material
// shares it.
func (c *Cache) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.materials[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMaterial, name)
	}
	delete(c.materials, name)
	c.releaseLocked(e)
	return nil
}

// Names returns the material names in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.materials))
	for name := range c.materials {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of distinct device pipelines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Stats returns how many materials reused an existing pipeline and how
// many created one.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close destroys every pipeline, then the layout. Close is idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.byKey {
		c.creator.DestroyRenderPipeline(e.raw)
	}
	clear(c.byKey)
	clear(c.materials)
	if c.layout != nil {
		c.creator.DestroyPipelineLayout(c.layout)
		c.layout = nil
	}
}

// hashMaterial computes an FNV-1a hash over everything that shapes the
// device pipeline. Shaders are hashed by code, not by name.
func hashMaterial(m *Material, vs, fs *shader.Module) uint64 {
	h := fnv.New64a()

	hashWriteWords(h, vs.SPIRV)
	hashWriteString(h, m.VertexEntry)
	if fs != nil {
		hashWriteWords(h, fs.SPIRV)
		hashWriteString(h, m.FragmentEntry)
	} else {
		hashWriteUint32(h, 0)
	}

	//nolint:gosec // vertex buffer count is bounded by device limits
	hashWriteUint32(h, uint32(len(m.Buffers)))
	for i := range m.Buffers {
		b := &m.Buffers[i]
		hashWriteUint64(h, b.ArrayStride)
		hashWriteUint32(h, uint32(b.StepMode))
		//nolint:gosec // attribute count is bounded by device limits
		hashWriteUint32(h, uint32(len(b.Attributes)))
		for _, a := range b.Attributes {
			hashWriteUint32(h, a.ShaderLocation)
			hashWriteUint32(h, uint32(a.Format))
			hashWriteUint64(h, a.Offset)
		}
	}

	hashWriteUint32(h, uint32(m.Primitive.Topology))
	if m.Primitive.StripIndexFormat != nil {
		hashWriteUint32(h, uint32(*m.Primitive.StripIndexFormat)+1)
	} else {
		hashWriteUint32(h, 0)
	}
	hashWriteUint32(h, uint32(m.Primitive.FrontFace))
	hashWriteUint32(h, uint32(m.Primitive.CullMode))

	hashWriteUint32(h, uint32(m.Format))
	if b := m.Blend; b != nil {
		hashWriteUint32(h, 1)
		for _, comp := range []gputypes.BlendComponent{b.Color, b.Alpha} {
			hashWriteUint32(h, uint32(comp.SrcFactor))
			hashWriteUint32(h, uint32(comp.DstFactor))
			hashWriteUint32(h, uint32(comp.Operation))
		}
	} else {
		hashWriteUint32(h, 0)
	}
	hashWriteUint32(h, m.SampleCount)

	return h.Sum64()
}

func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

//nolint:gosec // entry point names are short
func hashWriteString(h hash.Hash64, s string) {
	hashWriteUint32(h, uint32(len(s)))
	_, _ = h.Write([]byte(s))
}

//nolint:gosec // shader sizes fit in 32 bits
func hashWriteWords(h hash.Hash64, words []uint32) {
	hashWriteUint32(h, uint32(len(words)))
	for _, w := range words {
		hashWriteUint32(h, w)
	}
}
