// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package graph implements a frame render graph.
//
// A frame is recorded as a sequence of passes. Each pass
// declares, during its setup, which textures and buffers
// it uses and how. When the graph is executed, the state
// transitions that every resource must undergo between
// passes are derived from these declarations, attached to
// the passes as begin/end barriers and recorded into the
// frame's command buffer along with each pass's commands.
//
// The usage is as follows:
//
//  1. call Begin with the frame's command buffer
//  2. call AddRenderPass/AddPass for every pass
//  3. call Execute
//  4. call End
//
// The graph never owns the resources bound to it, except
// those created with CreateTexture/CreateBuffer.
package graph

import (
	"errors"
	"maps"

	"github.com/gogpu/gputypes"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/deletion"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
	"github.com/gviegas/framegraph/engine/timing"
)

var (
	// ErrConflict means that a pass bound the same
	// resource in incompatible ways.
	ErrConflict = errors.New("graph: conflicting resource usage")

	// ErrCapacity means that the graph has no room for
	// another pass or resource usage.
	ErrCapacity = errors.New("graph: capacity exceeded")

	// ErrInvalidBinding means that a binding is malformed
	// or not allowed in the pass.
	ErrInvalidBinding = errors.New("graph: invalid binding")
)

// PassType is the type of a pass.
type PassType int

// Pass types.
const (
	// Graphics passes render to color and depth/stencil
	// targets.
	Graphics PassType = iota
	// Compute passes dispatch compute work and copies.
	Compute
	// Behavior passes run CPU logic on the graph timeline.
	// They cannot bind resources and have no render pass.
	Behavior
)

func (t PassType) String() string {
	switch t {
	case Graphics:
		return "Graphics"
	case Compute:
		return "Compute"
	case Behavior:
		return "Behavior"
	}
	return "PassType(?)"
}

// Texture is the interface that graph textures implement.
// Identity is given by the interface value, so
// implementations should be pointer types.
type Texture interface {
	Image() driver.Image
	Format() gputypes.TextureFormat
	Layers() int
	Levels() int
	// Layout returns the resting layout of the texture,
	// which is the layout it is in when a frame starts and
	// the one it must be left in when the frame ends.
	Layout() driver.Layout
}

// SubresID identifies a texture within a graph build.
type SubresID int

// BufferID identifies a buffer within a graph build.
type BufferID int

// TexTransition describes the layouts of a texture around
// a pass's use of it.
type TexTransition struct {
	Initial driver.Layout
	Usage   driver.Layout
	Final   driver.Layout
}

// BufTransition describes the states of a buffer around
// a pass's use of it.
// StagesBefore are the stages of the previous user and
// StagesAfter those of the next one.
type BufTransition struct {
	Initial      BufState
	Usage        BufState
	Final        BufState
	StagesBefore gputypes.ShaderStage
	StagesAfter  gputypes.ShaderStage
}

// link holds what transition synthesis learns about the
// next use of a texture.
type link struct {
	next   gputypes.ShaderStage
	hazard bool
}

// ExecFunc records a pass's commands.
type ExecFunc func(pc *PassContext)

// Pass is a recorded pass.
// Passes are owned by the graph and valid until End.
type Pass struct {
	Name  string
	Color gputypes.Color
	Type  PassType

	Textures       []TextureUsage
	Buffers        []BufferUsage
	TexTransitions map[SubresID]TexTransition
	BufTransitions map[BufferID]BufTransition

	links   map[SubresID]link
	bufHaz  map[BufferID]bool
	hasDS   bool
	exec    ExecFunc
	timing  timing.Request
	timed   bool
	barrier int
}

// Hash returns the key of the pass's timing results.
func (p *Pass) Hash() uint64 { return timing.Hash(p.Name) }

// Barriers returns the number of begin and end barriers
// recorded for the pass by the last Execute.
func (p *Pass) Barriers() int { return p.barrier }

func (p *Pass) reset() {
	p.Textures = p.Textures[:0]
	p.Buffers = p.Buffers[:0]
	clear(p.TexTransitions)
	clear(p.BufTransitions)
	clear(p.links)
	clear(p.bufHaz)
	p.hasDS = false
	p.exec = nil
	p.timed = false
	p.barrier = 0
}

// Config bounds the size of a graph build.
type Config struct {
	// Maximum number of passes.
	MaxPasses int
	// Maximum number of texture usages across all
	// passes.
	MaxTextureUsages int
	// Maximum number of buffer usages across all passes.
	MaxBufferUsages int
}

// FrameParams are the parameters of a graph build.
type FrameParams struct {
	// Frame is the frame number.
	Frame uint64
	// Cmd is the command buffer into which passes are
	// recorded. It must be recording.
	Cmd driver.CmdBuffer
}

type state int

const (
	idle state = iota
	recording
	executed
)

// Graph is a render graph.
// It must only be used from a single goroutine.
type Graph struct {
	ctx    *ctxt.Context
	cfg    Config
	del    *deletion.Queue
	timing *timing.Tracker

	state  state
	params FrameParams
	passes []Pass
	npass  int
	// Index of the pass being set up, or -1.
	building int
	// First error of the current setup.
	err error

	texIDs  map[Texture]SubresID
	bufIDs  map[driver.Buffer]BufferID
	texUses int
	bufUses int

	// Scratch space of compile.
	lastTex   []int
	lastBuf   []int
	bufStages []gputypes.ShaderStage

	transTex []*transientTexture
	transBuf []driver.Buffer

	log      logrus.FieldLogger
	passCnt  tally.Counter
	barrCnt  tally.Counter
	capCnt   tally.Counter
	conflCnt tally.Counter
}

// New creates a new graph.
// del receives the graph's transient resources at the end
// of each build and may be nil if CreateTexture and
// CreateBuffer are not used. tr may be nil to disable
// pass timing.
func New(ctx *ctxt.Context, cfg Config, del *deletion.Queue, tr *timing.Tracker) (*Graph, error) {
	if cfg.MaxPasses < 1 || cfg.MaxTextureUsages < 0 || cfg.MaxBufferUsages < 0 {
		return nil, errors.New("graph: invalid config")
	}
	scope := ctx.Scope("graph")
	return &Graph{
		ctx:      ctx,
		cfg:      cfg,
		del:      del,
		timing:   tr,
		passes:   make([]Pass, 0, cfg.MaxPasses),
		building: -1,
		texIDs:   make(map[Texture]SubresID),
		bufIDs:   make(map[driver.Buffer]BufferID),
		log:      ctx.Log("graph"),
		passCnt:  scope.Counter("passes"),
		barrCnt:  scope.Counter("barriers"),
		capCnt:   scope.Counter("capacity_errors"),
		conflCnt: scope.Counter("conflicts"),
	}, nil
}

// Begin starts a new build.
// Identifiers assigned in previous builds are discarded.
func (g *Graph) Begin(params FrameParams) {
	if g.state != idle {
		panic("graph: Begin called during a build")
	}
	if params.Cmd == nil || !params.Cmd.IsRecording() {
		panic("graph: Begin requires a recording command buffer")
	}
	g.params = params
	g.state = recording
	g.npass = 0
	g.texUses = 0
	g.bufUses = 0
	clear(g.texIDs)
	clear(g.bufIDs)
}

// Frame returns the parameters of the current build.
func (g *Graph) Frame() FrameParams { return g.params }

// AddRenderPass appends a pass to the graph.
// setup is called immediately and may bind resources to
// the pass. exec is called during Execute.
// If setup binds resources in an invalid way, the pass is
// discarded and the first error is returned.
func (g *Graph) AddRenderPass(name string, color gputypes.Color, typ PassType, setup func(*Graph), exec ExecFunc) error {
	if g.state != recording {
		panic("graph: AddRenderPass called outside of a build")
	}
	if g.building >= 0 {
		panic("graph: AddRenderPass called during pass setup")
	}
	if g.npass == g.cfg.MaxPasses {
		g.capCnt.Inc(1)
		return ErrCapacity
	}
	if g.npass == len(g.passes) {
		g.passes = append(g.passes, Pass{
			TexTransitions: make(map[SubresID]TexTransition),
			BufTransitions: make(map[BufferID]BufTransition),
			links:          make(map[SubresID]link),
			bufHaz:         make(map[BufferID]bool),
		})
	}
	p := &g.passes[g.npass]
	p.reset()
	p.Name = name
	p.Color = color
	p.Type = typ
	p.exec = exec

	g.building = g.npass
	g.err = nil
	nt, nb := g.texUses, g.bufUses
	ntex, nbuf := len(g.texIDs), len(g.bufIDs)
	if setup != nil {
		setup(g)
	}
	g.building = -1
	if g.err != nil {
		g.texUses, g.bufUses = nt, nb
		// IDs are dense, so the ones that the failed setup
		// assigned are the highest.
		maps.DeleteFunc(g.texIDs, func(_ Texture, id SubresID) bool { return int(id) >= ntex })
		maps.DeleteFunc(g.bufIDs, func(_ driver.Buffer, id BufferID) bool { return int(id) >= nbuf })
		p.reset()
		err := g.err
		g.err = nil
		return err
	}
	g.npass++
	return nil
}

// PassDesc describes a pass whose bindings are given as
// values.
type PassDesc struct {
	Name     string
	Color    gputypes.Color
	Type     PassType
	Bindings []Binding
}

// AddPass is like AddRenderPass, but binds the resources
// listed in desc instead of calling a setup function.
func (g *Graph) AddPass(desc PassDesc, exec ExecFunc) error {
	return g.AddRenderPass(desc.Name, desc.Color, desc.Type, func(g *Graph) {
		for i := range desc.Bindings {
			g.Bind(desc.Bindings[i])
		}
	}, exec)
}

// ForEachPass calls fn for every pass, in order.
// fn must not modify the pass.
func (g *Graph) ForEachPass(fn func(p *Pass)) {
	for i := 0; i < g.npass; i++ {
		fn(&g.passes[i])
	}
}

// Len returns the number of passes in the current build.
func (g *Graph) Len() int { return g.npass }

// End finishes the build.
// Transient resources are handed to the deletion queue.
// End may be called without Execute to discard a build.
func (g *Graph) End() {
	if g.state == idle {
		panic("graph: End called outside of a build")
	}
	if g.state == recording && g.npass > 0 {
		g.log.WithField("passes", g.npass).Warn("build discarded without executing")
	}
	for _, t := range g.transTex {
		g.del.Add(t.img)
	}
	for _, b := range g.transBuf {
		g.del.Add(b)
	}
	clear(g.transTex)
	g.transTex = g.transTex[:0]
	clear(g.transBuf)
	g.transBuf = g.transBuf[:0]
	for i := 0; i < g.npass; i++ {
		g.passes[i].reset()
	}
	g.npass = 0
	clear(g.texIDs)
	clear(g.bufIDs)
	g.params = FrameParams{}
	g.state = idle
}
