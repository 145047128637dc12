// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package null

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/framegraph/driver"
)

// Op identifies a recorded command.
type Op int

// Recorded commands.
const (
	OpBeginRenderPass Op = iota
	OpEndRenderPass
	OpSetTexture
	OpSetBuffer
	OpDraw
	OpDrawIndexed
	OpDispatch
	OpCopyBuffer
	OpCopyImgToBuf
	OpBarrier
	OpTransition
	OpTimestamp
	OpResetQueries
	OpResolveQueries
)

// Command is a recorded command.
// Only the fields relevant to Op are set.
type Command struct {
	Op          Op
	Pass        *driver.PassDesc
	Slot        int
	Write       bool
	Img         driver.Image
	Buf         driver.Buffer
	Counts      [5]int
	BufCopy     *driver.BufferCopy
	ImgCopy     *driver.BufImgCopy
	Barriers    []driver.Barrier
	Transitions []driver.Transition
	Pool        driver.QueryPool
	Query       int
	N           int
}

// CmdBuffer implements driver.CmdBuffer.
type CmdBuffer struct {
	gpu       *GPU
	recording bool
	ended     bool
	pass      *driver.PassDesc
	cmds      []Command
}

// Commands returns the commands recorded since the last
// call to Begin.
func (c *CmdBuffer) Commands() []Command { return c.cmds }

// Begin prepares the command buffer for recording.
func (c *CmdBuffer) Begin() error {
	if c.recording {
		return errors.New("null: command buffer already recording")
	}
	c.recording = true
	c.ended = false
	c.pass = nil
	c.cmds = c.cmds[:0]
	return nil
}

// IsRecording returns whether the command buffer is
// recording.
func (c *CmdBuffer) IsRecording() bool { return c.recording }

func (c *CmdBuffer) record(cmd Command) {
	if !c.recording {
		panic("null: command recorded while not recording")
	}
	c.cmds = append(c.cmds, cmd)
}

// BeginRenderPass begins a render pass.
func (c *CmdBuffer) BeginRenderPass(desc *driver.PassDesc) {
	if c.pass != nil {
		panic("null: nested render pass")
	}
	c.pass = desc
	c.record(Command{Op: OpBeginRenderPass, Pass: desc})
}

// EndRenderPass ends the current render pass.
func (c *CmdBuffer) EndRenderPass() {
	if c.pass == nil {
		panic("null: EndRenderPass outside of render pass")
	}
	c.record(Command{Op: OpEndRenderPass, Pass: c.pass})
	c.pass = nil
}

// SetTexture binds an image to a shader slot.
func (c *CmdBuffer) SetTexture(slot int, img driver.Image, write bool) {
	c.record(Command{Op: OpSetTexture, Slot: slot, Img: img, Write: write})
}

// SetBuffer binds a buffer to a shader slot.
func (c *CmdBuffer) SetBuffer(slot int, buf driver.Buffer, write bool) {
	c.record(Command{Op: OpSetBuffer, Slot: slot, Buf: buf, Write: write})
}

// Draw draws primitives.
func (c *CmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) {
	c.record(Command{Op: OpDraw, Counts: [5]int{vertCount, instCount, baseVert, baseInst}})
}

// DrawIndexed draws indexed primitives.
func (c *CmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	c.record(Command{Op: OpDrawIndexed, Counts: [5]int{idxCount, instCount, baseIdx, vertOff, baseInst}})
}

// Dispatch dispatches compute thread groups.
func (c *CmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	c.record(Command{Op: OpDispatch, Counts: [5]int{grpCountX, grpCountY, grpCountZ}})
}

// CopyBuffer copies data between buffers.
func (c *CmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	p := *param
	c.record(Command{Op: OpCopyBuffer, BufCopy: &p})
}

// CopyImgToBuf copies data from an image to a buffer.
func (c *CmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) {
	p := *param
	c.record(Command{Op: OpCopyImgToBuf, ImgCopy: &p})
}

// Barrier inserts global barriers.
func (c *CmdBuffer) Barrier(b []driver.Barrier) {
	c.record(Command{Op: OpBarrier, Barriers: append([]driver.Barrier(nil), b...)})
}

// Transition inserts image layout transitions.
func (c *CmdBuffer) Transition(t []driver.Transition) {
	c.record(Command{Op: OpTransition, Transitions: append([]driver.Transition(nil), t...)})
}

// Timestamp writes the GPU time into a query.
func (c *CmdBuffer) Timestamp(pool driver.QueryPool, q int) {
	c.record(Command{Op: OpTimestamp, Pool: pool, Query: q})
}

// ResetQueries resets a range of queries.
func (c *CmdBuffer) ResetQueries(pool driver.QueryPool, first, n int) {
	c.record(Command{Op: OpResetQueries, Pool: pool, Query: first, N: n})
}

// ResolveQueries resolves a range of queries.
func (c *CmdBuffer) ResolveQueries(pool driver.QueryPool, first, n int) {
	c.record(Command{Op: OpResolveQueries, Pool: pool, Query: first, N: n})
}

// End ends command recording.
func (c *CmdBuffer) End() error {
	if !c.recording {
		return errors.New("null: command buffer not recording")
	}
	if c.pass != nil {
		c.Reset()
		return errors.New("null: render pass not ended")
	}
	c.recording = false
	c.ended = true
	return nil
}

// Reset discards all recorded commands.
func (c *CmdBuffer) Reset() error {
	c.recording = false
	c.ended = false
	c.pass = nil
	c.cmds = c.cmds[:0]
	return nil
}

// Destroy destroys the command buffer.
func (c *CmdBuffer) Destroy() { c.Reset() }

// Simulated cost of commands, in nanoseconds.
const (
	costCmd  = 100
	costWork = 10000
)

// execute runs the commands of every command buffer in wk
// and sets wk.Err.
// It assumes that g.mu is held.
func (g *GPU) execute(wk *driver.WorkItem) {
	wk.Err = nil
	for _, cb := range wk.Work {
		c := cb.(*CmdBuffer)
		for i := range c.cmds {
			if err := g.run(&c.cmds[i]); err != nil && wk.Err == nil {
				wk.Err = err
			}
		}
		c.ended = false
	}
}

func (g *GPU) run(cmd *Command) error {
	g.clock += costCmd
	switch cmd.Op {
	case OpBeginRenderPass:
		for _, t := range cmd.Pass.Begin {
			if err := transition(&t); err != nil {
				return err
			}
		}
		for i := range cmd.Pass.Color {
			ct := &cmd.Pass.Color[i]
			m := ct.Img.(*Image)
			if err := moveLayout(m, ct.Before, ct.Layout); err != nil {
				return err
			}
			if ct.Load == driver.LClear {
				fillColor(m, ct.Clear)
			}
		}
		if ds := cmd.Pass.DS; ds != nil {
			if err := moveLayout(ds.Img.(*Image), ds.Before, ds.Layout); err != nil {
				return err
			}
		}
	case OpEndRenderPass:
		for i := range cmd.Pass.Color {
			ct := &cmd.Pass.Color[i]
			if err := moveLayout(ct.Img.(*Image), ct.Layout, ct.After); err != nil {
				return err
			}
		}
		if ds := cmd.Pass.DS; ds != nil {
			if err := moveLayout(ds.Img.(*Image), ds.Layout, ds.After); err != nil {
				return err
			}
		}
		for _, t := range cmd.Pass.End {
			if err := transition(&t); err != nil {
				return err
			}
		}
	case OpDraw, OpDrawIndexed, OpDispatch:
		g.clock += costWork
	case OpCopyBuffer:
		p := cmd.BufCopy
		from := p.From.(*Buffer).data[p.FromOff:]
		to := p.To.(*Buffer).data[p.ToOff:]
		copy(to[:min(int64(len(to)), p.Size)], from)
	case OpCopyImgToBuf:
		p := cmd.ImgCopy
		m := p.Img.(*Image)
		if m.layout != driver.LCopySrc {
			return fmt.Errorf("null: copy from image in %v layout", m.layout)
		}
		copy(p.Buf.(*Buffer).data[p.BufOff:], m.data)
	case OpTransition:
		for _, t := range cmd.Transitions {
			if err := transition(&t); err != nil {
				return err
			}
		}
	case OpTimestamp:
		p := cmd.Pool.(*QueryPool)
		p.vals[cmd.Query] = g.clock
		p.written[cmd.Query] = true
	case OpResetQueries:
		p := cmd.Pool.(*QueryPool)
		for i := cmd.Query; i < cmd.Query+cmd.N; i++ {
			p.written[i] = false
			p.resolved[i] = false
		}
	case OpResolveQueries:
		p := cmd.Pool.(*QueryPool)
		for i := cmd.Query; i < cmd.Query+cmd.N; i++ {
			p.resolved[i] = p.written[i]
		}
	}
	return nil
}

func transition(t *driver.Transition) error {
	return moveLayout(t.Img.(*Image), t.LayoutBefore, t.LayoutAfter)
}

// moveLayout changes the layout of m from before to after.
// Transitioning from driver.LUndefined is always valid,
// since it discards the contents.
func moveLayout(m *Image, before, after driver.Layout) error {
	if m.destroyed {
		return errors.New("null: use of destroyed image")
	}
	if before != driver.LUndefined && before != m.layout {
		return fmt.Errorf("null: layout mismatch: image is %v, transition expects %v", m.layout, before)
	}
	m.layout = after
	return nil
}

// fillColor fills m with c.
// Only 8-bit four-channel formats are written.
func fillColor(m *Image, c gputypes.Color) {
	px := [4]byte{unorm8(c.R), unorm8(c.G), unorm8(c.B), unorm8(c.A)}
	switch m.format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		px[0], px[2] = px[2], px[0]
	default:
		return
	}
	for i := 0; i+4 <= len(m.data); i += 4 {
		copy(m.data[i:], px[:])
	}
}

func unorm8(x float64) byte {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 255
	}
	return byte(x*255 + 0.5)
}
