// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/driver/null"
	"github.com/gviegas/framegraph/engine/graph"
	"github.com/gviegas/framegraph/engine/transfer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 4
	cfg.Height = 4
	return cfg
}

func newRenderer(t *testing.T, cfg Config, opts ...Option) (*Renderer, *null.GPU) {
	t.Helper()
	gpu := null.New()
	r, err := New(cfg, append([]Option{WithGPU(gpu)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, gpu
}

// clearPass clears the renderer's target to c.
func clearPass(c gputypes.Color) func(*Frame) error {
	return func(f *Frame) error {
		return f.Graph().AddRenderPass("Clear", gputypes.Color{}, graph.Graphics, func(g *graph.Graph) {
			g.BindRenderTarget(f.Target(), driver.LClear, driver.SStore, c)
		}, func(pc *graph.PassContext) { pc.Cmd().Draw(3, 1, 0, 0) })
	}
}

func TestRenderer(t *testing.T) {
	for _, dbl := range [...]bool{false, true} {
		cfg := testConfig()
		cfg.DoubleBuffered = dbl
		r, _ := newRenderer(t, cfg)

		require.Equal(t, cfg.Frames(), cap(r.ch))
		for range cap(r.ch) {
			wk := <-r.ch
			require.Len(t, wk.Work, 1)
			idx := wk.Custom.(int)
			require.Same(t, r.cb[idx], wk.Work[0])
			require.False(t, wk.Work[0].IsRecording())
			defer func() { r.ch <- wk }()
		}
		rt := r.Target()
		require.Equal(t, cfg.Width, rt.Width())
		require.Equal(t, cfg.Height, rt.Height())
		require.Equal(t, 1, rt.Layers())
		require.Equal(t, 1, rt.Levels())
		require.Equal(t, driver.LShaderRead, rt.Image().(*null.Image).Layout())
	}

	_, err := New(Config{})
	require.Error(t, err)
}

func TestFrameReadback(t *testing.T) {
	r, _ := newRenderer(t, testConfig())

	var got []byte
	require.NoError(t, r.Frame(func(f *Frame) error {
		require.Zero(t, f.Number())
		if err := clearPass(gputypes.Color{R: 1, A: 1})(f); err != nil {
			return err
		}
		return f.Readback(f.Target(), func(data []byte) {
			got = bytes.Clone(data)
		})
	}))
	// The callback waits for the frame's fence.
	require.Nil(t, got)
	require.NoError(t, r.Frame(func(f *Frame) error {
		require.Equal(t, uint64(1), f.Number())
		return nil
	}))
	require.Equal(t, bytes.Repeat([]byte{255, 0, 0, 255}, 16), got)
	require.Equal(t, driver.LShaderRead, r.Target().Image().(*null.Image).Layout())
}

func TestFrameDiscarded(t *testing.T) {
	r, gpu := newRenderer(t, testConfig())
	errBuild := errors.New("build failed")
	sub := gpu.Submitted()

	called := false
	err := r.Frame(func(f *Frame) error {
		if err := clearPass(gputypes.Color{G: 1, A: 1})(f); err != nil {
			return err
		}
		if err := f.Readback(f.Target(), func([]byte) { called = true }); err != nil {
			return err
		}
		return errBuild
	})
	require.ErrorIs(t, err, errBuild)
	require.Equal(t, sub, gpu.Submitted())

	for range 3 {
		require.NoError(t, r.Frame(clearPass(gputypes.Color{B: 1, A: 1})))
	}
	require.False(t, called)
	// The discarded frame did not consume a frame number.
	require.Equal(t, uint64(3), r.frame)
	require.Equal(t, []byte{0, 0, 255, 255}, r.Target().Image().(*null.Image).Data()[:4])
}

func TestFrameFailed(t *testing.T) {
	cfg := testConfig()
	cfg.DoubleBuffered = true
	r, _ := newRenderer(t, cfg)

	tex, err := r.New2D(&TexParam{
		Format:  gputypes.TextureFormatRGBA8Unorm,
		Dim3D:   driver.Dim3D{Width: 4, Height: 4},
		Layers:  1,
		Levels:  1,
		Samples: 1,
	})
	require.NoError(t, err)
	// The image is in LShaderRead, so the transition that
	// the graph records fails on execution.
	tex.layout = driver.LCopyDst

	require.NoError(t, r.Frame(func(f *Frame) error {
		return f.Graph().AddRenderPass("Bad", gputypes.Color{}, graph.Compute, func(g *graph.Graph) {
			g.BindTexture(tex, gputypes.ShaderStageCompute, 0)
		}, nil)
	}))
	require.NoError(t, r.Frame(func(*Frame) error { return nil }))

	err = r.Frame(func(*Frame) error {
		t.Fatal("build called after a failed frame")
		return nil
	})
	require.ErrorContains(t, err, "frame 0")
	require.NoError(t, r.Frame(func(*Frame) error { return nil }))
}

func TestPassTime(t *testing.T) {
	r, _ := newRenderer(t, testConfig())
	for range MaxFrame + 2 {
		require.NoError(t, r.Frame(func(f *Frame) error {
			if err := clearPass(gputypes.Color{})(f); err != nil {
				return err
			}
			return f.Graph().AddRenderPass("Sim", gputypes.Color{}, graph.Compute, nil, func(pc *graph.PassContext) {
				for range 4 {
					pc.Cmd().Dispatch(8, 8, 1)
				}
			})
		}))
	}
	clr := r.PassTime("Clear")
	sim := r.PassTime("Sim")
	require.NotZero(t, clr.Duration)
	require.Greater(t, sim.Duration, clr.Duration)
	require.Greater(t, sim.Start, clr.Start)
	require.GreaterOrEqual(t, r.FrameTime(), clr.Duration+sim.Duration)
	require.Zero(t, r.PassTime("Missing"))
}

func TestTransientResources(t *testing.T) {
	r, _ := newRenderer(t, testConfig())
	var img *null.Image
	require.NoError(t, r.Frame(func(f *Frame) error {
		g := f.Graph()
		id, err := g.CreateTexture(graph.TexDesc{
			Format: gputypes.TextureFormatRGBA8Unorm,
			Width:  4,
			Height: 4,
			Usage:  driver.URenderTarget | driver.UShaderSample,
		})
		if err != nil {
			return err
		}
		img = g.Texture(id).Image().(*null.Image)
		if err := g.AddRenderPass("Bloom", gputypes.Color{}, graph.Graphics, func(g *graph.Graph) {
			g.BindRenderTarget(g.Texture(id), driver.LClear, driver.SStore, gputypes.Color{})
		}, nil); err != nil {
			return err
		}
		return g.AddRenderPass("Compose", gputypes.Color{}, graph.Graphics, func(g *graph.Graph) {
			g.BindTexture(g.Texture(id), gputypes.ShaderStageFragment, 0)
			g.BindRenderTarget(f.Target(), driver.LLoad, driver.SStore, gputypes.Color{})
		}, nil)
	}))
	require.False(t, img.Destroyed())
	require.NoError(t, r.Frame(func(*Frame) error { return nil }))
	require.True(t, img.Destroyed())
}

// Resources that find the deletion and transfer lists full
// are still destroyed exactly once.
func TestFullLists(t *testing.T) {
	cfg := testConfig()
	cfg.DeletionCapacity = 1
	cfg.TransferCapacity = 1
	r, err := New(cfg, WithGPU(null.New()))
	require.NoError(t, err)

	var imgs []*null.Image
	var reads int
	err = r.Frame(func(f *Frame) error {
		g := f.Graph()
		for range 3 {
			id, err := g.CreateTexture(graph.TexDesc{
				Format: gputypes.TextureFormatRGBA8Unorm,
				Width:  4,
				Height: 4,
				Usage:  driver.URenderTarget,
			})
			if err != nil {
				return err
			}
			imgs = append(imgs, g.Texture(id).Image().(*null.Image))
		}
		for range 2 {
			if err := f.Readback(f.Target(), func([]byte) { reads++ }); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, transfer.ErrFull)
	var bufs []*null.Buffer
	for _, rb := range r.fr.reads {
		bufs = append(bufs, rb.buf.(*null.Buffer))
	}
	require.Len(t, bufs, 2)
	// img0 is in flight and img1 took its place.
	require.Equal(t, 3, r.del.Pending())

	require.NoError(t, r.Frame(func(*Frame) error { return nil }))
	require.True(t, imgs[0].Destroyed())
	require.False(t, imgs[2].Destroyed())

	require.NotPanics(t, func() { require.NoError(t, r.Close()) })
	require.Equal(t, 1, reads)
	for i, img := range imgs {
		require.True(t, img.Destroyed(), "imgs[%d] leaked", i)
	}
	for i, buf := range bufs {
		require.True(t, buf.Destroyed(), "bufs[%d] leaked", i)
	}
}

func TestClose(t *testing.T) {
	gpu := null.New()
	r, err := New(testConfig(), WithGPU(gpu))
	require.NoError(t, err)
	rt := r.Target().Image().(*null.Image)

	var got []byte
	gpu.SetManual(true)
	require.NoError(t, r.Frame(func(f *Frame) error {
		if err := clearPass(gputypes.Color{R: 1, G: 1, B: 1, A: 1})(f); err != nil {
			return err
		}
		return f.Readback(f.Target(), func(data []byte) { got = bytes.Clone(data) })
	}))
	require.Equal(t, 1, gpu.Pending())
	go gpu.SetManual(false)

	require.NoError(t, r.Close())
	require.Equal(t, bytes.Repeat([]byte{255}, 64), got)
	require.True(t, rt.Destroyed())
	require.NoError(t, r.Close())
	require.Panics(t, func() { r.Frame(func(*Frame) error { return nil }) })
}

type wgQueue struct {
	submitted atomic.Uint64
	completed atomic.Uint64
}

func (q *wgQueue) Poll() uint64                { return q.completed.Load() }
func (q *wgQueue) LastSubmissionIndex() uint64 { return q.submitted.Load() }

type releaser struct{ n int }

func (r *releaser) Release() { r.n++ }

func TestQueue(t *testing.T) {
	q := &wgQueue{}
	q.submitted.Store(1)
	r, _ := newRenderer(t, testConfig(), WithQueue(q))
	tex, err := r.New2D(&TexParam{
		Format:  gputypes.TextureFormatRGBA8Unorm,
		Dim3D:   driver.Dim3D{Width: 4, Height: 4},
		Layers:  1,
		Levels:  1,
		Samples: 1,
	})
	require.NoError(t, err)
	img := tex.Image().(*null.Image)
	tex.Free()
	res := &releaser{}
	r.Release(res)

	// The GPU completes every frame, but the queue does
	// not.
	for range 2 {
		require.NoError(t, r.Frame(clearPass(gputypes.Color{})))
	}
	require.False(t, img.Destroyed())
	require.Zero(t, res.n)

	q.completed.Store(1)
	require.NoError(t, r.Frame(clearPass(gputypes.Color{})))
	require.True(t, img.Destroyed())
	require.Equal(t, 1, res.n)
}

func TestMetrics(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	r, _ := newRenderer(t, testConfig(), WithScope(scope))
	for range 2 {
		require.NoError(t, r.Frame(clearPass(gputypes.Color{})))
	}
	require.Error(t, r.Frame(func(*Frame) error { return errors.New("skip") }))

	counters := map[string]int64{}
	for _, c := range scope.Snapshot().Counters() {
		counters[c.Name()] = c.Value()
	}
	require.Equal(t, int64(2), counters["engine.frames"])
	require.Equal(t, int64(2), counters["graph.passes"])
	var timed bool
	for _, tm := range scope.Snapshot().Timers() {
		timed = timed || tm.Name() == "engine.frame_cpu"
	}
	require.True(t, timed)
}
