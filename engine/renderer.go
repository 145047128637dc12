// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/driver/wg"
	"github.com/gviegas/framegraph/engine/deletion"
	"github.com/gviegas/framegraph/engine/graph"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
	"github.com/gviegas/framegraph/engine/timing"
	"github.com/gviegas/framegraph/engine/transfer"
)

func newRendErr(s string) error { return errors.New("renderer: " + s) }

// Option configures a Renderer.
type Option func(*options)

type options struct {
	gpu   driver.GPU
	scope tally.Scope
	queue wg.Queue
}

// WithGPU makes the Renderer use gpu instead of opening a
// driver. Closing the Renderer does not close gpu's
// driver.
func WithGPU(gpu driver.GPU) Option {
	return func(o *options) { o.gpu = gpu }
}

// WithScope sets the metrics scope.
func WithScope(s tally.Scope) Option {
	return func(o *options) { o.scope = s }
}

// WithQueue makes the deletion and transfer queues also
// wait for the work submitted to q when a frame ends.
// It is needed when resources given to Destroy or Release
// are used by work that goes through a wgpu queue.
func WithQueue(q wg.Queue) Option {
	return func(o *options) { o.queue = q }
}

// Renderer is a frame renderer.
// It must only be used from a single goroutine.
type Renderer struct {
	ctx    *ctxt.Context
	cfg    Config
	nframe int

	cb [MaxFrame]driver.CmdBuffer
	// Work items of frames that are not in flight.
	// Custom holds the index of the frame's cb.
	ch chan *driver.WorkItem
	// Frame number last committed with each cb.
	numbers [MaxFrame]uint64
	frame   uint64
	fr      Frame

	// Used for synchronous uploads and transitions.
	xferCB driver.CmdBuffer
	xferCh chan *driver.WorkItem

	graph  *graph.Graph
	del    *deletion.Queue
	xfer   *transfer.Queue
	timing *timing.Tracker
	target *Texture

	log      logrus.FieldLogger
	frames   tally.Counter
	failed   tally.Counter
	cpuTimer tally.Timer
}

// New creates a new renderer.
func New(cfg Config, opts ...Option) (r *Renderer, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	copts := []ctxt.Option{ctxt.WithLogger(Logger()), ctxt.WithScope(o.scope)}
	if q := o.queue; q != nil {
		copts = append(copts, ctxt.WithFences(func(gpu driver.GPU) (driver.Fence, error) {
			f, err := gpu.NewFence()
			if err != nil {
				return nil, err
			}
			return wg.Join(f, q), nil
		}))
	}
	r = &Renderer{cfg: cfg, nframe: cfg.Frames()}
	if o.gpu != nil {
		r.ctx = ctxt.With(o.gpu, copts...)
	} else if r.ctx, err = ctxt.New(cfg.Driver, copts...); err != nil {
		return nil, err
	}
	if err = r.init(); err != nil {
		r.free()
		return nil, err
	}
	return
}

func (r *Renderer) init() (err error) {
	gpu := r.ctx.GPU()
	r.log = r.ctx.Log("engine")
	scope := r.ctx.Scope("engine")
	r.frames = scope.Counter("frames")
	r.failed = scope.Counter("failed_frames")
	r.cpuTimer = scope.Timer("frame_cpu")

	r.ch = make(chan *driver.WorkItem, r.nframe)
	for i := 0; i < r.nframe; i++ {
		if r.cb[i], err = gpu.NewCmdBuffer(); err != nil {
			return
		}
		r.ch <- &driver.WorkItem{Work: []driver.CmdBuffer{r.cb[i]}, Custom: i}
	}
	if r.xferCB, err = gpu.NewCmdBuffer(); err != nil {
		return
	}
	r.xferCh = make(chan *driver.WorkItem, 1)

	if r.del, err = deletion.New(r.ctx, r.cfg.DeletionLists, r.cfg.DeletionCapacity, r.nframe); err != nil {
		return
	}
	if r.xfer, err = transfer.New(r.ctx, r.cfg.TransferLists, r.cfg.TransferCapacity, r.nframe); err != nil {
		return
	}
	// One more slot than frames in flight, so the slot
	// that BeginFrame resolves belongs to a completed
	// frame.
	if r.timing, err = timing.New(r.ctx, r.nframe+1, r.cfg.QueriesPerFrame); err != nil {
		return
	}
	if r.graph, err = graph.New(r.ctx, graph.Config{
		MaxPasses:        r.cfg.MaxPasses,
		MaxTextureUsages: r.cfg.MaxTextureUsages,
		MaxBufferUsages:  r.cfg.MaxBufferUsages,
	}, r.del, r.timing); err != nil {
		return
	}
	r.target, err = r.NewTarget(&TexParam{
		Format:  gputypes.TextureFormatRGBA8Unorm,
		Dim3D:   driver.Dim3D{Width: r.cfg.Width, Height: r.cfg.Height},
		Layers:  1,
		Levels:  1,
		Samples: 1,
	})
	if err == nil {
		r.log.WithFields(logrus.Fields{
			"driver": r.ctx.Driver().Name(),
			"frames": r.nframe,
			"width":  r.cfg.Width,
			"height": r.cfg.Height,
		}).Info("renderer created")
	}
	return
}

// free destroys whatever was created so far.
// It does not wait for the GPU.
func (r *Renderer) free() {
	if r.target != nil {
		r.target.img.Destroy()
	}
	if r.timing != nil {
		r.timing.Destroy()
	}
	if r.xfer != nil {
		r.xfer.Destroy()
	}
	if r.del != nil {
		r.del.Destroy()
	}
	if r.xferCB != nil {
		r.xferCB.Destroy()
	}
	for _, cb := range r.cb {
		if cb != nil {
			cb.Destroy()
		}
	}
	r.ctx.Close()
	*r = Renderer{}
}

// Frame builds and commits a frame.
//
// It blocks until the oldest frame in flight completes.
// If that frame failed on the GPU, its error is returned
// and nothing else is done. Otherwise, build is called to
// add passes to the frame's graph. If build fails, the
// frame is discarded and the error is returned.
// Then the graph is executed, the frame is committed and
// the deletion and transfer queues are processed.
func (r *Renderer) Frame(build func(f *Frame) error) error {
	if r.ctx == nil {
		panic("engine: Frame called on closed Renderer")
	}
	start := time.Now()
	wk := <-r.ch
	i := wk.Custom.(int)
	if err := wk.Err; err != nil {
		wk.Err = nil
		r.ch <- wk
		r.failed.Inc(1)
		r.log.WithError(err).WithField("frame", r.numbers[i]).Warn("frame failed")
		return fmt.Errorf("engine: frame %d: %w", r.numbers[i], err)
	}
	cb := r.cb[i]
	if err := cb.Begin(); err != nil {
		r.ch <- wk
		return err
	}
	r.timing.BeginFrame(cb, r.frame)
	r.graph.Begin(graph.FrameParams{Frame: r.frame, Cmd: cb})
	f := &r.fr
	f.r = r
	f.number = r.frame
	clear(f.reads)
	f.reads = f.reads[:0]

	if err := build(f); err != nil {
		r.graph.End()
		r.discard(f, wk)
		return err
	}
	r.graph.Execute()
	r.graph.End()
	r.timing.EndFrame(cb)
	if err := cb.End(); err != nil {
		r.discard(f, wk)
		return err
	}
	if err := r.ctx.GPU().Commit(wk, r.ch); err != nil {
		r.discard(f, wk)
		return err
	}
	r.numbers[i] = r.frame
	r.frame++

	var rerr error
	for _, rb := range f.reads {
		if err := r.xfer.Add(rb.buf, rb.callback()); err != nil {
			r.log.WithError(err).Warn("readback dropped")
			if rerr == nil {
				rerr = err
			}
			// Destroyed after this frame, which still
			// copies into it.
			r.del.Add(rb.buf)
		}
	}
	xerr := r.xfer.Process()
	derr := r.del.Process()
	r.frames.Inc(1)
	r.cpuTimer.Record(time.Since(start))
	return errors.Join(rerr, xerr, derr)
}

// discard drops a frame that was not committed.
// The graph must have ended.
func (r *Renderer) discard(f *Frame, wk *driver.WorkItem) {
	for _, rb := range f.reads {
		r.del.Add(rb.buf)
	}
	clear(f.reads)
	f.reads = f.reads[:0]
	wk.Work[0].Reset()
	r.ch <- wk
}

// Target returns the renderer's target texture.
func (r *Renderer) Target() *Texture { return r.target }

// Destroy schedules d for destruction once the GPU is done
// with the work committed so far.
func (r *Renderer) Destroy(d driver.Destroyer) { r.del.Add(d) }

// Release schedules a wgpu resource for release once the
// GPU is done with the work committed so far.
func (r *Renderer) Release(res wg.Releaser) { r.del.Add(wg.Wrap(res)) }

// PassTime returns the most recently resolved GPU interval
// of the pass named name.
func (r *Renderer) PassTime(name string) timing.Interval {
	return r.timing.Result(timing.Hash(name))
}

// FrameTime returns the GPU duration of the most recently
// resolved frame.
func (r *Renderer) FrameTime() time.Duration { return r.timing.FrameDuration() }

// Close waits for in-flight frames, runs pending transfer
// callbacks, destroys pending resources and releases the
// renderer.
func (r *Renderer) Close() error {
	if r.ctx == nil {
		return nil
	}
	var errs []error
	tm := time.NewTimer(r.cfg.FenceTimeout)
	defer tm.Stop()
wait:
	for n := 0; n < r.nframe; n++ {
		select {
		case wk := <-r.ch:
			if wk.Err != nil {
				errs = append(errs, wk.Err)
			}
		case <-tm.C:
			errs = append(errs, newRendErr("timed out waiting for frames"))
			break wait
		}
	}
	if err := r.xfer.Finalize(r.cfg.FenceTimeout); err != nil {
		errs = append(errs, err)
	}
	r.del.Add(r.target.img)
	r.target = nil
	if err := r.del.Finalize(r.cfg.FenceTimeout); err != nil {
		errs = append(errs, err)
	}
	r.log.WithField("frames", r.frame).Info("renderer closed")
	r.free()
	return errors.Join(errs...)
}

// Frame is the frame being built by Renderer.Frame.
type Frame struct {
	r      *Renderer
	number uint64
	reads  []readback
}

type readback struct {
	buf driver.Buffer
	n   int
	fn  func(data []byte)
}

func (rb readback) callback() transfer.Callback {
	return func(buf driver.Buffer) {
		rb.fn(buf.Bytes()[:rb.n])
		buf.Destroy()
	}
}

// Number returns the frame number.
func (f *Frame) Number() uint64 { return f.number }

// Graph returns the frame's render graph.
func (f *Frame) Graph() *graph.Graph { return f.r.graph }

// Target returns the renderer's target texture.
func (f *Frame) Target() *Texture { return f.r.target }

// Destroy schedules d for destruction once the GPU is done
// with this frame.
func (f *Frame) Destroy(d driver.Destroyer) { f.r.del.Add(d) }

// Readback adds a pass that copies the first mip level of
// t into host memory. fn is called with the copied data
// during a later call to Renderer.Frame or Renderer.Close,
// once the GPU has completed this frame.
// If the frame is discarded, fn is never called.
func (f *Frame) Readback(t *Texture, fn func(data []byte)) error {
	if fn == nil {
		panic("engine: nil readback function")
	}
	n := driver.TexelSize(t.Format())
	if n == 0 {
		return newRendErr("readback of compressed format " + t.Format().String())
	}
	n *= t.Width() * t.Height() * t.Layers()
	buf, err := f.r.ctx.GPU().NewBuffer(int64(n), true, driver.UCopyDst)
	if err != nil {
		return err
	}
	err = f.r.graph.AddRenderPass("Readback", gputypes.Color{}, graph.Compute, func(g *graph.Graph) {
		g.BindCopySrc(t)
	}, func(pc *graph.PassContext) {
		pc.Cmd().CopyImgToBuf(&driver.BufImgCopy{
			Buf:    buf,
			Stride: [2]int{t.Width(), t.Height()},
			Img:    t.Image(),
			Size:   driver.Dim3D{Width: t.Width(), Height: t.Height(), Depth: 1},
			Layers: t.Layers(),
		})
	})
	if err != nil {
		buf.Destroy()
		return err
	}
	f.reads = append(f.reads, readback{buf, n, fn})
	return nil
}
