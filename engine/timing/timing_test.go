// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package timing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/driver/null"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
)

// runFrame records a frame with one pass per name and
// commits it.
func runFrame(t *testing.T, gpu driver.GPU, tr *Tracker, frame uint64, names ...string) {
	t.Helper()
	cb, err := gpu.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	tr.BeginFrame(cb, frame)
	for _, name := range names {
		r, err := tr.AllocateNamed(name)
		require.NoError(t, err)
		cb.Timestamp(tr.Pool(), r.Start)
		cb.Dispatch(1, 1, 1)
		cb.Timestamp(tr.Pool(), r.End)
	}
	tr.EndFrame(cb)
	require.NoError(t, cb.End())
	require.NoError(t, gpu.Commit(&driver.WorkItem{Work: []driver.CmdBuffer{cb}}, nil))
}

func TestHash(t *testing.T) {
	require.Equal(t, Hash("GBuffer"), Hash("GBuffer"))
	require.NotEqual(t, Hash("GBuffer"), Hash("Lighting"))
	// FNV-1a offset basis.
	require.Equal(t, uint64(0xcbf29ce484222325), Hash(""))
}

func TestResolve(t *testing.T) {
	gpu := null.New()
	tr, err := New(ctxt.With(gpu), 2, 16)
	require.NoError(t, err)

	runFrame(t, gpu, tr, 0, "A", "B")
	require.Zero(t, tr.Result(Hash("A")))

	runFrame(t, gpu, tr, 1)
	a := tr.Result(Hash("A"))
	b := tr.Result(Hash("B"))
	require.Equal(t, Interval{Start: 100 * time.Nanosecond, Duration: 10200 * time.Nanosecond}, a)
	require.Greater(t, b.Start, a.Start+a.Duration)
	require.Equal(t, a.Duration, b.Duration)
	require.Greater(t, tr.FrameDuration(), b.Start+b.Duration)
}

func TestDefaultZero(t *testing.T) {
	gpu := null.New()
	tr, err := New(ctxt.With(gpu), 2, 16)
	require.NoError(t, err)
	require.Equal(t, Interval{}, tr.Result(Hash("never")))
	for i := range uint64(4) {
		runFrame(t, gpu, tr, i, "A")
	}
	require.Equal(t, Interval{}, tr.Result(Hash("never")))
	require.NotZero(t, tr.Result(Hash("A")).Duration)
}

func TestRing(t *testing.T) {
	gpu := null.New()
	tr, err := New(ctxt.With(gpu), 3, 16)
	require.NoError(t, err)

	runFrame(t, gpu, tr, 0, "A")
	runFrame(t, gpu, tr, 1, "B")
	require.Zero(t, tr.Result(Hash("A")))
	// Frame 2 resolves frame 0.
	runFrame(t, gpu, tr, 2, "C")
	require.NotZero(t, tr.Result(Hash("A")).Duration)
	require.Zero(t, tr.Result(Hash("B")))
	// Frame 3 resolves frame 1, replacing older results.
	runFrame(t, gpu, tr, 3)
	require.NotZero(t, tr.Result(Hash("B")).Duration)
	require.Zero(t, tr.Result(Hash("A")))
}

func TestUnavailable(t *testing.T) {
	gpu := null.New()
	gpu.SetManual(true)
	tr, err := New(ctxt.With(gpu), 2, 16)
	require.NoError(t, err)
	runFrame(t, gpu, tr, 0, "A")
	// Frame 0 has not completed, so there is nothing to
	// resolve yet.
	runFrame(t, gpu, tr, 1, "A")
	require.Zero(t, tr.Result(Hash("A")))
	require.Zero(t, tr.FrameDuration())
}

func TestNoQueries(t *testing.T) {
	gpu := null.New()
	tr, err := New(ctxt.With(gpu), 1, 4)
	require.NoError(t, err)
	require.Panics(t, func() { tr.Allocate(1) })

	cb, err := gpu.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	tr.BeginFrame(cb, 0)
	r, err := tr.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, Request{1, 2}, r)
	_, err = tr.Allocate(2)
	require.ErrorIs(t, err, ErrNoQueries)
	tr.EndFrame(cb)
	require.NoError(t, cb.End())

	_, err = New(ctxt.With(gpu), 0, 16)
	require.Error(t, err)
	_, err = New(ctxt.With(gpu), 2, 3)
	require.Error(t, err)
}

// Only the names of passes still awaiting resolution are
// remembered.
func TestNames(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	gpu := null.New()
	tr, err := New(ctxt.With(gpu, ctxt.WithScope(scope)), 2, 16)
	require.NoError(t, err)
	for i := range uint64(64) {
		runFrame(t, gpu, tr, i, fmt.Sprintf("Pass%d", i), "Main")
	}
	var n int
	for _, fq := range tr.frames {
		n += len(fq.names)
	}
	require.Equal(t, 4, n)
	require.Equal(t, "Pass63", tr.frames[1].names[Hash("Pass63")])
	require.Equal(t, "Main", tr.frames[1].names[Hash("Main")])

	tagged := map[string]bool{}
	for _, ts := range scope.Snapshot().Timers() {
		if ts.Name() == "timing.pass_gpu" {
			tagged[ts.Tags()["pass"]] = true
		}
	}
	require.True(t, tagged["Pass0"])
	require.True(t, tagged["Pass62"])
	require.False(t, tagged["Pass63"])
	tr.Destroy()
}

func TestMetrics(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	gpu := null.New()
	tr, err := New(ctxt.With(gpu, ctxt.WithScope(scope)), 1, 16)
	require.NoError(t, err)
	runFrame(t, gpu, tr, 0, "Shadow")
	runFrame(t, gpu, tr, 1)

	var pass, frame bool
	for _, ts := range scope.Snapshot().Timers() {
		switch ts.Name() {
		case "timing.pass_gpu":
			pass = true
			require.Equal(t, "Shadow", ts.Tags()["pass"])
			require.Len(t, ts.Values(), 1)
		case "timing.frame_gpu":
			frame = true
		}
	}
	require.True(t, pass)
	require.True(t, frame)
	tr.Destroy()
}
