// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package null

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/framegraph/driver"
)

func TestRegister(t *testing.T) {
	var found bool
	for _, d := range driver.Drivers() {
		if d.Name() == driverName {
			found = true
			gpu, err := d.Open()
			require.NoError(t, err)
			again, _ := d.Open()
			require.Same(t, gpu.(*GPU), again.(*GPU))
			require.Equal(t, d, gpu.Driver())
		}
	}
	require.True(t, found, "null driver not registered")

	d, gpu, err := driver.Open("NULL")
	require.NoError(t, err)
	require.Equal(t, driverName, d.Name())
	require.Same(t, d, gpu.Driver())
}

func newRecorded(t *testing.T, g *GPU) (driver.CmdBuffer, *driver.WorkItem) {
	cb, err := g.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	require.True(t, cb.IsRecording())
	return cb, &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
}

func TestCommitAuto(t *testing.T) {
	g := New()
	cb, wk := newRecorded(t, g)
	cb.Dispatch(1, 1, 1)
	require.NoError(t, cb.End())
	require.False(t, cb.IsRecording())

	ch := make(chan *driver.WorkItem, 1)
	require.NoError(t, g.Commit(wk, ch))
	select {
	case res := <-ch:
		require.NoError(t, res.Err)
	default:
		t.Fatal("GPU.Commit: work item not delivered")
	}
	require.Equal(t, uint64(1), g.Completed())

	// Committing again without re-recording fails.
	require.Error(t, g.Commit(wk, ch))
}

func TestCommitManual(t *testing.T) {
	g := New()
	g.SetManual(true)
	ch := make(chan *driver.WorkItem, 2)
	for range 2 {
		cb, wk := newRecorded(t, g)
		require.NoError(t, cb.End())
		require.NoError(t, g.Commit(wk, ch))
	}
	require.Equal(t, 2, g.Pending())
	require.Equal(t, uint64(2), g.Submitted())
	require.Equal(t, uint64(0), g.Completed())

	require.Equal(t, 1, g.Complete(1))
	require.Equal(t, uint64(1), g.Completed())
	require.Len(t, ch, 1)
	require.Equal(t, 1, g.CompleteAll())
	require.Len(t, ch, 2)
	require.Equal(t, 0, g.Complete(5))
}

func TestFence(t *testing.T) {
	g := New()
	g.SetManual(true)
	f, err := g.NewFence()
	require.NoError(t, err)
	require.Equal(t, driver.FWaiting, f.Status())

	cb, wk := newRecorded(t, g)
	require.NoError(t, cb.End())
	require.NoError(t, g.Commit(wk, nil))
	require.NoError(t, f.Signal())
	require.Error(t, f.Signal())
	require.Equal(t, driver.FWaiting, f.Status())
	require.Equal(t, driver.FTimeout, f.Wait(time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		g.CompleteAll()
	}()
	require.Equal(t, driver.FSuccess, f.Wait(time.Second))
	require.Equal(t, driver.FSuccess, f.Status())

	require.NoError(t, f.Reset())
	require.Equal(t, driver.FWaiting, f.Status())
	// No pending work, so the signal is immediate.
	require.NoError(t, f.Signal())
	require.Equal(t, driver.FSuccess, f.Status())
}

func TestLayoutValidation(t *testing.T) {
	g := New()
	img, err := g.NewImage(gputypes.TextureFormatRGBA8Unorm, driver.Dim3D{Width: 4, Height: 4}, 1, 1, 1, driver.URenderTarget)
	require.NoError(t, err)
	m := img.(*Image)

	cb, wk := newRecorded(t, g)
	cb.BeginRenderPass(&driver.PassDesc{
		Name: "clear",
		Color: []driver.ColorTarget{{
			Img:    img,
			Load:   driver.LClear,
			Store:  driver.SStore,
			Clear:  gputypes.Color{R: 1, A: 1},
			Before: driver.LUndefined,
			Layout: driver.LColorTarget,
			After:  driver.LShaderRead,
		}},
	})
	cb.Draw(3, 1, 0, 0)
	cb.EndRenderPass()
	require.NoError(t, cb.End())
	ch := make(chan *driver.WorkItem, 1)
	require.NoError(t, g.Commit(wk, ch))
	require.NoError(t, (<-ch).Err)
	require.Equal(t, driver.LShaderRead, m.Layout())
	require.Equal(t, []byte{255, 0, 0, 255}, m.Data()[:4])

	// Wrong source layout.
	require.NoError(t, cb.Begin())
	cb.Transition([]driver.Transition{{
		LayoutBefore: driver.LColorTarget,
		LayoutAfter:  driver.LCopySrc,
		Img:          img,
		Layers:       1,
		Levels:       1,
	}})
	require.NoError(t, cb.End())
	require.NoError(t, g.Commit(wk, ch))
	require.Error(t, (<-ch).Err)
}

func TestTimestamps(t *testing.T) {
	g := New()
	qp, err := g.NewQueryPool(4)
	require.NoError(t, err)
	require.Equal(t, 4, qp.Len())

	cb, wk := newRecorded(t, g)
	cb.ResetQueries(qp, 0, 4)
	cb.Timestamp(qp, 0)
	cb.Dispatch(1, 1, 1)
	cb.Timestamp(qp, 1)
	cb.ResolveQueries(qp, 0, 4)
	require.NoError(t, cb.End())
	require.NoError(t, g.Commit(wk, nil))

	t0, ok := qp.Timestamp(0)
	require.True(t, ok)
	t1, ok := qp.Timestamp(1)
	require.True(t, ok)
	require.Greater(t, t1, t0)
	_, ok = qp.Timestamp(2)
	require.False(t, ok)
	_, ok = qp.Timestamp(7)
	require.False(t, ok)
}

func TestDestroyTwice(t *testing.T) {
	g := New()
	buf, err := g.NewBuffer(16, true, driver.UGeneric)
	require.NoError(t, err)
	require.Len(t, buf.Bytes(), 16)
	buf.Destroy()
	require.True(t, buf.(*Buffer).Destroyed())
	require.Panics(t, buf.Destroy)

	hidden, err := g.NewBuffer(16, false, driver.UGeneric)
	require.NoError(t, err)
	require.Nil(t, hidden.Bytes())
	require.Equal(t, int64(16), hidden.Cap())
}
