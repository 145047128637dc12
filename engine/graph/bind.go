// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/framegraph/driver"
)

// BufState is the state of a buffer in a pass.
type BufState int

// Buffer states.
const (
	BufUndefined BufState = iota
	BufShaderInput
	BufReadWrite
	BufCopySrc
	BufCopyDst
	BufIndirectArgument
)

func (s BufState) String() string {
	switch s {
	case BufUndefined:
		return "Undefined"
	case BufShaderInput:
		return "ShaderInput"
	case BufReadWrite:
		return "ReadWrite"
	case BufCopySrc:
		return "CopySrc"
	case BufCopyDst:
		return "CopyDst"
	case BufIndirectArgument:
		return "IndirectArgument"
	}
	return "BufState(?)"
}

// BufKind is the kind of view through which a pass
// accesses a buffer.
type BufKind int

// Buffer kinds.
const (
	Generic BufKind = iota
	Storage
	RWStorage
	Typed
	RWTyped
)

// SlotKind is the kind of a shader binding slot.
type SlotKind int

// Slot kinds.
const (
	SlotNone SlotKind = iota
	SlotTexture
	SlotRWTexture
	SlotStorageBuf
	SlotRWStorageBuf
	SlotTypedBuf
	SlotRWTypedBuf
)

// Slot is a shader binding slot.
// Usages with a SlotNone slot are not bound to shaders.
type Slot struct {
	Kind  SlotKind
	Index int
}

func (s Slot) writable() bool {
	switch s.Kind {
	case SlotRWTexture, SlotRWStorageBuf, SlotRWTypedBuf:
		return true
	}
	return false
}

// Range is a range of texture subresources.
// Zero Levels or Layers means every level/layer from
// Level/Layer on.
type Range struct {
	Level  int
	Levels int
	Layer  int
	Layers int
	Plane  int
}

type target int

const (
	noTarget target = iota
	colorTarget
	dsTarget
)

// TextureUsage describes how a pass uses a texture.
type TextureUsage struct {
	Texture Texture
	Range   Range
	Layout  driver.Layout
	Stages  gputypes.ShaderStage
	ID      SubresID
	Slot    Slot

	// Render target parameters.
	// For depth/stencil, [0] is depth and [1] is stencil.
	Load         [2]driver.LoadOp
	Store        [2]driver.StoreOp
	Clear        gputypes.Color
	ClearDepth   float32
	ClearStencil uint32
	Swapchain    bool

	target target
}

// BufferUsage describes how a pass uses a buffer.
type BufferUsage struct {
	Buffer driver.Buffer
	State  BufState
	Stages gputypes.ShaderStage
	Kind   BufKind
	ID     BufferID
	Slot   Slot
}

// DepthStencil describes how a pass uses a depth/stencil
// target. In the arrays, [0] is for depth and [1] is for
// stencil.
type DepthStencil struct {
	Load         [2]driver.LoadOp
	Store        [2]driver.StoreOp
	ReadOnly     [2]bool
	ClearDepth   float32
	ClearStencil uint32
}

// dsLayout returns the layout in which a depth/stencil
// target of format pf must be for ds.
// An aspect is written if it is cleared or stored. It
// panics if an aspect marked read-only is written.
func dsLayout(pf gputypes.TextureFormat, ds *DepthStencil) driver.Layout {
	has := [2]bool{pf.HasDepth(), pf.HasStencil()}
	var wr [2]bool
	for i := range wr {
		if !has[i] {
			continue
		}
		wr[i] = ds.Load[i] == driver.LClear || ds.Store[i] != driver.SDontCare
		if wr[i] && ds.ReadOnly[i] {
			panic("graph: read-only depth/stencil aspect is written")
		}
	}
	switch {
	case wr[0] && wr[1]:
		return driver.LDSTarget
	case wr[0]:
		if !has[1] {
			return driver.LDSTarget
		}
		return driver.LDepthWriteStencilRead
	case wr[1]:
		if !has[0] {
			return driver.LDSTarget
		}
		return driver.LDepthReadStencilWrite
	}
	return driver.LDSRead
}

// BindingKind is the kind of a Binding.
type BindingKind int

// Binding kinds.
const (
	TextureBinding BindingKind = iota
	RWTextureBinding
	RenderTargetBinding
	DepthStencilBinding
	SwapchainBinding
	CopySrcBinding
	CopyDstBinding
	StorageBufferBinding
	RWStorageBufferBinding
	TypedBufferBinding
	RWTypedBufferBinding
	BufferBinding
)

// Binding is a resource binding given as a value.
// Which fields are relevant depends on Kind.
type Binding struct {
	Kind    BindingKind
	Texture Texture
	Range   Range
	Buffer  driver.Buffer
	// State of BufferBinding.
	State  BufState
	Stages gputypes.ShaderStage
	// Shader slot index, for kinds bound to shaders.
	Slot int

	// RenderTargetBinding and SwapchainBinding.
	Load  driver.LoadOp
	Store driver.StoreOp
	Clear gputypes.Color

	// DepthStencilBinding.
	DS DepthStencil
}

// Bind binds a resource to the pass being set up.
// It must only be called from a setup function.
func (g *Graph) Bind(b Binding) {
	p := g.current()
	if g.err != nil {
		return
	}
	if p.Type == Behavior {
		g.fail(fmt.Errorf("%w: behavior pass %q binds resources", ErrInvalidBinding, p.Name))
		return
	}
	switch b.Kind {
	case TextureBinding:
		g.bindTexture(p, &TextureUsage{Layout: driver.LShaderRead, Slot: Slot{SlotTexture, b.Slot}}, &b)
	case RWTextureBinding:
		g.bindTexture(p, &TextureUsage{Layout: driver.LShaderStore, Slot: Slot{SlotRWTexture, b.Slot}}, &b)
	case RenderTargetBinding, SwapchainBinding:
		if p.Type != Graphics {
			g.fail(fmt.Errorf("%w: render target in %v pass %q", ErrInvalidBinding, p.Type, p.Name))
			return
		}
		u := &TextureUsage{
			Layout:    driver.LColorTarget,
			Load:      [2]driver.LoadOp{b.Load},
			Store:     [2]driver.StoreOp{b.Store},
			Clear:     b.Clear,
			Swapchain: b.Kind == SwapchainBinding,
			target:    colorTarget,
		}
		g.bindTexture(p, u, &b)
	case DepthStencilBinding:
		if p.Type != Graphics {
			g.fail(fmt.Errorf("%w: depth/stencil target in %v pass %q", ErrInvalidBinding, p.Type, p.Name))
			return
		}
		if p.hasDS {
			panic("graph: pass already has a depth/stencil target")
		}
		if b.Texture == nil {
			g.fail(fmt.Errorf("%w: nil texture", ErrInvalidBinding))
			return
		}
		pf := b.Texture.Format()
		if !pf.HasDepth() && !pf.HasStencil() {
			g.fail(fmt.Errorf("%w: %v is not a depth/stencil format", ErrInvalidBinding, pf))
			return
		}
		u := &TextureUsage{
			Layout:       dsLayout(pf, &b.DS),
			Load:         b.DS.Load,
			Store:        b.DS.Store,
			ClearDepth:   b.DS.ClearDepth,
			ClearStencil: b.DS.ClearStencil,
			target:       dsTarget,
		}
		if g.bindTexture(p, u, &b) {
			p.hasDS = true
		}
	case CopySrcBinding:
		g.bindTexture(p, &TextureUsage{Layout: driver.LCopySrc}, &b)
	case CopyDstBinding:
		g.bindTexture(p, &TextureUsage{Layout: driver.LCopyDst}, &b)
	case StorageBufferBinding:
		g.bindBuffer(p, &BufferUsage{State: BufShaderInput, Kind: Storage, Slot: Slot{SlotStorageBuf, b.Slot}}, &b)
	case RWStorageBufferBinding:
		g.bindBuffer(p, &BufferUsage{State: BufReadWrite, Kind: RWStorage, Slot: Slot{SlotRWStorageBuf, b.Slot}}, &b)
	case TypedBufferBinding:
		g.bindBuffer(p, &BufferUsage{State: BufShaderInput, Kind: Typed, Slot: Slot{SlotTypedBuf, b.Slot}}, &b)
	case RWTypedBufferBinding:
		g.bindBuffer(p, &BufferUsage{State: BufReadWrite, Kind: RWTyped, Slot: Slot{SlotRWTypedBuf, b.Slot}}, &b)
	case BufferBinding:
		if b.State == BufUndefined {
			g.fail(fmt.Errorf("%w: buffer bound in %v state", ErrInvalidBinding, b.State))
			return
		}
		g.bindBuffer(p, &BufferUsage{State: b.State, Kind: Generic}, &b)
	default:
		panic("graph: undefined binding kind")
	}
}

// BindTexture binds tex for reading from shaders in
// stages, at the given texture slot.
func (g *Graph) BindTexture(tex Texture, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: TextureBinding, Texture: tex, Stages: stages, Slot: slot})
}

// BindRWTexture binds tex for reading and writing from
// shaders in stages, at the given storage texture slot.
func (g *Graph) BindRWTexture(tex Texture, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: RWTextureBinding, Texture: tex, Stages: stages, Slot: slot})
}

// BindRenderTarget binds tex as a color target.
func (g *Graph) BindRenderTarget(tex Texture, load driver.LoadOp, store driver.StoreOp, clear gputypes.Color) {
	g.Bind(Binding{Kind: RenderTargetBinding, Texture: tex, Load: load, Store: store, Clear: clear})
}

// BindDepthStencilTarget binds tex as the depth/stencil
// target. The layout is derived from which aspects ds
// reads and writes.
// It panics if the pass already has one.
func (g *Graph) BindDepthStencilTarget(tex Texture, ds DepthStencil) {
	g.Bind(Binding{Kind: DepthStencilBinding, Texture: tex, DS: ds})
}

// BindSwapchain binds the presentable texture tex as a
// color target.
func (g *Graph) BindSwapchain(tex Texture, load driver.LoadOp, store driver.StoreOp, clear gputypes.Color) {
	g.Bind(Binding{Kind: SwapchainBinding, Texture: tex, Load: load, Store: store, Clear: clear})
}

// BindCopySrc binds tex as the source of copies.
func (g *Graph) BindCopySrc(tex Texture) {
	g.Bind(Binding{Kind: CopySrcBinding, Texture: tex})
}

// BindCopyDst binds tex as the destination of copies.
func (g *Graph) BindCopyDst(tex Texture) {
	g.Bind(Binding{Kind: CopyDstBinding, Texture: tex})
}

// BindStorageBuffer binds buf as a read-only storage
// buffer.
func (g *Graph) BindStorageBuffer(buf driver.Buffer, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: StorageBufferBinding, Buffer: buf, Stages: stages, Slot: slot})
}

// BindRWStorageBuffer binds buf as a read-write storage
// buffer.
func (g *Graph) BindRWStorageBuffer(buf driver.Buffer, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: RWStorageBufferBinding, Buffer: buf, Stages: stages, Slot: slot})
}

// BindTypedBuffer binds buf as a read-only typed buffer.
func (g *Graph) BindTypedBuffer(buf driver.Buffer, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: TypedBufferBinding, Buffer: buf, Stages: stages, Slot: slot})
}

// BindRWTypedBuffer binds buf as a read-write typed
// buffer.
func (g *Graph) BindRWTypedBuffer(buf driver.Buffer, stages gputypes.ShaderStage, slot int) {
	g.Bind(Binding{Kind: RWTypedBufferBinding, Buffer: buf, Stages: stages, Slot: slot})
}

// BindBuffer binds buf in the given state without a
// shader slot (e.g., BufIndirectArgument or BufCopySrc).
func (g *Graph) BindBuffer(buf driver.Buffer, state BufState, stages gputypes.ShaderStage) {
	g.Bind(Binding{Kind: BufferBinding, Buffer: buf, State: state, Stages: stages})
}

func (g *Graph) current() *Pass {
	if g.building < 0 {
		panic("graph: binding outside of pass setup")
	}
	return &g.passes[g.building]
}

// fail records err as the setup's error unless one is
// already recorded.
func (g *Graph) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

func (g *Graph) checkSlot(s Slot) bool {
	if s.Kind == SlotNone {
		return true
	}
	if s.Index < 0 || s.Index >= g.ctx.Limits().MaxSlots {
		g.fail(fmt.Errorf("%w: slot %d out of range", ErrInvalidBinding, s.Index))
		return false
	}
	return true
}

// bindTexture completes u from b and appends it to p.
// It returns whether the usage was appended.
func (g *Graph) bindTexture(p *Pass, u *TextureUsage, b *Binding) bool {
	tex := b.Texture
	if tex == nil {
		g.fail(fmt.Errorf("%w: nil texture", ErrInvalidBinding))
		return false
	}
	rng := b.Range
	if rng.Levels == 0 {
		rng.Levels = tex.Levels() - rng.Level
	}
	if rng.Layers == 0 {
		rng.Layers = tex.Layers() - rng.Layer
	}
	var reason string
	switch {
	case rng.Level < 0 || rng.Levels < 1 || rng.Level+rng.Levels > tex.Levels():
		reason = "level range"
	case rng.Layer < 0 || rng.Layers < 1 || rng.Layer+rng.Layers > tex.Layers():
		reason = "layer range"
	case rng.Plane < 0 || rng.Plane > 1:
		reason = "plane"
	case u.target != noTarget && rng.Levels != 1:
		reason = "render target must be a single level"
	default:
		if !g.checkSlot(u.Slot) {
			return false
		}
	}
	if reason != "" {
		g.fail(fmt.Errorf("%w: %s", ErrInvalidBinding, reason))
		return false
	}
	if g.texUses == g.cfg.MaxTextureUsages {
		g.capCnt.Inc(1)
		g.fail(fmt.Errorf("%w: texture usages", ErrCapacity))
		return false
	}

	id, known := g.texIDs[tex]
	if !known {
		id = SubresID(len(g.texIDs))
		g.texIDs[tex] = id
	}
	u.Texture = tex
	u.Range = rng
	u.Stages = b.Stages
	u.ID = id
	for i := range p.Textures {
		x := &p.Textures[i]
		if u.Slot.Kind != SlotNone && x.Slot == u.Slot {
			g.conflict(p, fmt.Sprintf("slot %d bound twice", u.Slot.Index))
			return false
		}
		if x.ID != id {
			continue
		}
		switch {
		case x.Layout != u.Layout:
			g.conflict(p, fmt.Sprintf("texture used as %v and %v", x.Layout, u.Layout))
			return false
		case x.target != noTarget || u.target != noTarget:
			g.conflict(p, "render target bound twice")
			return false
		}
	}
	p.Textures = append(p.Textures, *u)
	g.texUses++
	return true
}

// bindBuffer completes u from b and appends it to p.
func (g *Graph) bindBuffer(p *Pass, u *BufferUsage, b *Binding) {
	buf := b.Buffer
	if buf == nil {
		g.fail(fmt.Errorf("%w: nil buffer", ErrInvalidBinding))
		return
	}
	if !g.checkSlot(u.Slot) {
		return
	}
	if g.bufUses == g.cfg.MaxBufferUsages {
		g.capCnt.Inc(1)
		g.fail(fmt.Errorf("%w: buffer usages", ErrCapacity))
		return
	}

	id, known := g.bufIDs[buf]
	if !known {
		id = BufferID(len(g.bufIDs))
		g.bufIDs[buf] = id
	}
	u.Buffer = buf
	u.Stages = b.Stages
	u.ID = id
	for i := range p.Buffers {
		x := &p.Buffers[i]
		if u.Slot.Kind != SlotNone && x.Slot == u.Slot {
			g.conflict(p, fmt.Sprintf("slot %d bound twice", u.Slot.Index))
			return
		}
		if x.ID == id && x.State != u.State {
			g.conflict(p, fmt.Sprintf("buffer used as %v and %v", x.State, u.State))
			return
		}
	}
	p.Buffers = append(p.Buffers, *u)
	g.bufUses++
}

func (g *Graph) conflict(p *Pass, what string) {
	g.conflCnt.Inc(1)
	g.fail(fmt.Errorf("%w: %s in pass %q", ErrConflict, what, p.Name))
}
