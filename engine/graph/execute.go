// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/gogpu/gputypes"
	"github.com/sirupsen/logrus"

	"github.com/gviegas/framegraph/driver"
)

// PassContext is given to a pass's ExecFunc.
type PassContext struct {
	g    *Graph
	pass *Pass
}

// Cmd returns the command buffer into which the pass is
// recorded.
func (pc *PassContext) Cmd() driver.CmdBuffer { return pc.g.params.Cmd }

// Pass returns the pass being executed.
func (pc *PassContext) Pass() *Pass { return pc.pass }

// Frame returns the frame number.
func (pc *PassContext) Frame() uint64 { return pc.g.params.Frame }

// Texture returns the transient texture identified by id.
func (pc *PassContext) Texture(id TexID) Texture { return pc.g.Texture(id) }

// Buffer returns the transient buffer identified by id.
func (pc *PassContext) Buffer(id BufID) driver.Buffer { return pc.g.Buffer(id) }

// restingLayout returns the layout in which tex is left
// after its last use, given the layout of that use.
func restingLayout(tex Texture, last driver.Layout) driver.Layout {
	if l := tex.Layout(); l != driver.LUndefined {
		return l
	}
	return last
}

func writesLayout(l driver.Layout) bool {
	switch l {
	case driver.LShaderStore, driver.LColorTarget, driver.LDSTarget,
		driver.LDepthWriteStencilRead, driver.LDepthReadStencilWrite,
		driver.LCopyDst, driver.LResolveDst:
		return true
	}
	return false
}

// compile derives the transitions of every pass.
// Passes are scanned once, in order. The transition of the
// previous user of a resource is patched when the next use
// is found, so that Final of one use is always Initial of
// the next.
func (g *Graph) compile() {
	g.lastTex = resize(g.lastTex, len(g.texIDs))
	g.lastBuf = resize(g.lastBuf, len(g.bufIDs))
	g.bufStages = g.bufStages[:0]
	for range g.bufIDs {
		g.bufStages = append(g.bufStages, 0)
	}

	for pi := 0; pi < g.npass; pi++ {
		p := &g.passes[pi]
		clear(p.TexTransitions)
		clear(p.BufTransitions)
		clear(p.links)
		clear(p.bufHaz)

		for i := range p.Textures {
			u := &p.Textures[i]
			if _, ok := p.TexTransitions[u.ID]; ok {
				continue
			}
			tr := TexTransition{Usage: u.Layout, Final: restingLayout(u.Texture, u.Layout)}
			if prev := g.lastTex[u.ID]; prev >= 0 {
				q := &g.passes[prev]
				pt := q.TexTransitions[u.ID]
				pt.Final = u.Layout
				q.TexTransitions[u.ID] = pt
				q.links[u.ID] = link{
					next:   u.Stages,
					hazard: pt.Usage == u.Layout && writesLayout(u.Layout),
				}
				tr.Initial = u.Layout
			} else {
				tr.Initial = u.Texture.Layout()
			}
			p.TexTransitions[u.ID] = tr
			g.lastTex[u.ID] = pi
		}

		for i := range p.Buffers {
			u := &p.Buffers[i]
			if _, ok := p.BufTransitions[u.ID]; ok {
				continue
			}
			tr := BufTransition{Initial: BufUndefined, Usage: u.State, Final: u.State}
			if prev := g.lastBuf[u.ID]; prev >= 0 {
				q := &g.passes[prev]
				pt := q.BufTransitions[u.ID]
				pt.Final = u.State
				pt.StagesAfter = u.Stages
				q.BufTransitions[u.ID] = pt
				if pt.Usage == u.State && u.State == BufReadWrite {
					q.bufHaz[u.ID] = true
				}
				tr.Initial = u.State
				tr.StagesBefore = g.bufStages[u.ID]
			}
			p.BufTransitions[u.ID] = tr
			g.lastBuf[u.ID] = pi
			g.bufStages[u.ID] = u.Stages
		}
	}
}

func resize(s []int, n int) []int {
	s = s[:0]
	for range n {
		s = append(s, -1)
	}
	return s
}

// Execute derives the transitions between passes and
// records every pass into the frame's command buffer.
// ExecFuncs are called in the order the passes were
// added.
func (g *Graph) Execute() {
	if g.state != recording {
		panic("graph: Execute called outside of a build or twice")
	}
	g.compile()
	cb := g.params.Cmd
	var barriers int
	for i := 0; i < g.npass; i++ {
		p := &g.passes[i]
		pc := PassContext{g, p}
		if p.Type == Behavior {
			if p.exec != nil {
				p.exec(&pc)
			}
			continue
		}
		desc := g.describe(p)
		p.barrier = len(desc.Begin) + len(desc.BeginBuf) + len(desc.End) + len(desc.EndBuf)
		barriers += p.barrier

		var pool driver.QueryPool
		if g.timing != nil {
			if r, err := g.timing.AllocateNamed(p.Name); err == nil {
				pool = g.timing.Pool()
				p.timing = r
				p.timed = true
			}
		}
		if p.timed {
			cb.Timestamp(pool, p.timing.Start)
		}
		cb.BeginRenderPass(desc)
		g.bindSlots(cb, p)
		if p.exec != nil {
			p.exec(&pc)
		}
		cb.EndRenderPass()
		if p.timed {
			cb.Timestamp(pool, p.timing.End)
		}

		g.log.WithFields(logrus.Fields{
			"pass":     p.Name,
			"type":     p.Type,
			"barriers": p.barrier,
		}).Debug("pass recorded")
	}
	g.passCnt.Inc(int64(g.npass))
	g.barrCnt.Inc(int64(barriers))
	g.state = executed
}

func (g *Graph) bindSlots(cb driver.CmdBuffer, p *Pass) {
	for i := range p.Textures {
		if u := &p.Textures[i]; u.Slot.Kind != SlotNone {
			cb.SetTexture(u.Slot.Index, u.Texture.Image(), u.Slot.writable())
		}
	}
	for i := range p.Buffers {
		if u := &p.Buffers[i]; u.Slot.Kind != SlotNone {
			cb.SetBuffer(u.Slot.Index, u.Buffer, u.Slot.writable())
		}
	}
}

// describe builds the driver's description of p.
func (g *Graph) describe(p *Pass) *driver.PassDesc {
	desc := &driver.PassDesc{Name: p.Name, Compute: p.Type == Compute}
	seen := make(map[SubresID]bool, len(p.Textures))
	for i := range p.Textures {
		u := &p.Textures[i]
		tr := p.TexTransitions[u.ID]
		switch u.target {
		case colorTarget:
			desc.Color = append(desc.Color, driver.ColorTarget{
				Img:    u.Texture.Image(),
				Layer:  u.Range.Layer,
				Level:  u.Range.Level,
				Load:   u.Load[0],
				Store:  u.Store[0],
				Clear:  u.Clear,
				Before: tr.Initial,
				Layout: tr.Usage,
				After:  tr.Final,
			})
			continue
		case dsTarget:
			desc.DS = &driver.DSTarget{
				Img:          u.Texture.Image(),
				Layer:        u.Range.Layer,
				Level:        u.Range.Level,
				Load:         u.Load,
				Store:        u.Store,
				ClearDepth:   u.ClearDepth,
				ClearStencil: u.ClearStencil,
				Before:       tr.Initial,
				Layout:       tr.Usage,
				After:        tr.Final,
			}
			continue
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		t := driver.Transition{
			Img:    u.Texture.Image(),
			Layer:  u.Range.Layer,
			Layers: u.Range.Layers,
			Level:  u.Range.Level,
			Levels: u.Range.Levels,
		}
		if tr.Initial != tr.Usage {
			t.Barrier = driver.Barrier{
				SyncBefore:   layoutSync(tr.Initial, gputypes.ShaderStagesAll),
				SyncAfter:    layoutSync(tr.Usage, u.Stages),
				AccessBefore: layoutAccess(tr.Initial),
				AccessAfter:  layoutAccess(tr.Usage),
			}
			t.LayoutBefore = tr.Initial
			t.LayoutAfter = tr.Usage
			desc.Begin = append(desc.Begin, t)
		}
		lk := p.links[u.ID]
		if tr.Usage != tr.Final || lk.hazard {
			next := lk.next
			if next == 0 {
				next = gputypes.ShaderStagesAll
			}
			t.Barrier = driver.Barrier{
				SyncBefore:   layoutSync(tr.Usage, u.Stages),
				SyncAfter:    layoutSync(tr.Final, next),
				AccessBefore: layoutAccess(tr.Usage),
				AccessAfter:  layoutAccess(tr.Final),
			}
			t.LayoutBefore = tr.Usage
			t.LayoutAfter = tr.Final
			desc.End = append(desc.End, t)
		}
	}

	done := make(map[BufferID]bool, len(p.Buffers))
	for i := range p.Buffers {
		u := &p.Buffers[i]
		if done[u.ID] {
			continue
		}
		done[u.ID] = true
		tr := p.BufTransitions[u.ID]
		if tr.Initial != tr.Usage {
			desc.BeginBuf = append(desc.BeginBuf, driver.BufTransition{
				Barrier: driver.Barrier{
					SyncBefore:   bufSync(tr.Initial, tr.StagesBefore),
					SyncAfter:    bufSync(tr.Usage, u.Stages),
					AccessBefore: bufAccess(tr.Initial),
					AccessAfter:  bufAccess(tr.Usage),
				},
				Buf: u.Buffer,
			})
		}
		if tr.Usage != tr.Final || p.bufHaz[u.ID] {
			desc.EndBuf = append(desc.EndBuf, driver.BufTransition{
				Barrier: driver.Barrier{
					SyncBefore:   bufSync(tr.Usage, u.Stages),
					SyncAfter:    bufSync(tr.Final, tr.StagesAfter),
					AccessBefore: bufAccess(tr.Usage),
					AccessAfter:  bufAccess(tr.Final),
				},
				Buf: u.Buffer,
			})
		}
	}
	return desc
}

// stageSync converts a shader stage mask into a
// synchronization scope.
func stageSync(stages gputypes.ShaderStage) driver.Sync {
	var s driver.Sync
	if stages&gputypes.ShaderStageVertex != 0 {
		s |= driver.SVertexShading
	}
	if stages&gputypes.ShaderStageFragment != 0 {
		s |= driver.SFragmentShading
	}
	if stages&gputypes.ShaderStageCompute != 0 {
		s |= driver.SComputeShading
	}
	if s == driver.SNone {
		s = driver.SAll
	}
	return s
}

func layoutSync(l driver.Layout, stages gputypes.ShaderStage) driver.Sync {
	switch l {
	case driver.LUndefined, driver.LPresent:
		return driver.SNone
	case driver.LColorTarget:
		return driver.SColorOutput
	case driver.LDSTarget, driver.LDSRead, driver.LDepthReadStencilWrite, driver.LDepthWriteStencilRead:
		return driver.SDSOutput
	case driver.LResolveSrc, driver.LResolveDst:
		return driver.SResolve
	case driver.LCopySrc, driver.LCopyDst:
		return driver.SCopy
	case driver.LShaderRead, driver.LShaderStore:
		return stageSync(stages)
	}
	return driver.SAll
}

func layoutAccess(l driver.Layout) driver.Access {
	switch l {
	case driver.LUndefined, driver.LPresent:
		return driver.ANone
	case driver.LColorTarget:
		return driver.AColorRead | driver.AColorWrite
	case driver.LDSTarget, driver.LDepthReadStencilWrite, driver.LDepthWriteStencilRead:
		return driver.ADSRead | driver.ADSWrite
	case driver.LDSRead:
		return driver.ADSRead
	case driver.LResolveSrc:
		return driver.AResolveRead
	case driver.LResolveDst:
		return driver.AResolveWrite
	case driver.LCopySrc:
		return driver.ACopyRead
	case driver.LCopyDst:
		return driver.ACopyWrite
	case driver.LShaderRead:
		return driver.AShaderRead
	case driver.LShaderStore:
		return driver.AShaderRead | driver.AShaderWrite
	}
	return driver.AAnyRead | driver.AAnyWrite
}

func bufSync(s BufState, stages gputypes.ShaderStage) driver.Sync {
	switch s {
	case BufUndefined:
		return driver.SNone
	case BufCopySrc, BufCopyDst:
		return driver.SCopy
	case BufIndirectArgument:
		return driver.SDraw
	}
	return stageSync(stages)
}

func bufAccess(s BufState) driver.Access {
	switch s {
	case BufShaderInput:
		return driver.AShaderRead
	case BufReadWrite:
		return driver.AShaderRead | driver.AShaderWrite
	case BufCopySrc:
		return driver.ACopyRead
	case BufCopyDst:
		return driver.ACopyWrite
	case BufIndirectArgument:
		return driver.AIndirectRead
	}
	return driver.ANone
}
