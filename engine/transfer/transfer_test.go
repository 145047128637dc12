// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/driver/null"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
)

// copyFrame records and commits a buffer copy from src to
// dst.
func copyFrame(t *testing.T, gpu driver.GPU, src, dst driver.Buffer) {
	t.Helper()
	cb, err := gpu.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	cb.CopyBuffer(&driver.BufferCopy{From: src, To: dst, Size: src.Cap()})
	require.NoError(t, cb.End())
	require.NoError(t, gpu.Commit(&driver.WorkItem{Work: []driver.CmdBuffer{cb}}, nil))
}

func TestCallbackAfterCopy(t *testing.T) {
	gpu := null.New()
	gpu.SetManual(true)
	q, err := New(ctxt.With(gpu), 3, 4, 2)
	require.NoError(t, err)

	src, err := gpu.NewBuffer(4, true, driver.UCopySrc)
	require.NoError(t, err)
	copy(src.Bytes(), []byte{1, 2, 3, 4})
	dst, err := gpu.NewBuffer(4, true, driver.UCopyDst)
	require.NoError(t, err)

	var got []byte
	var calls int
	copyFrame(t, gpu, src, dst)
	require.NoError(t, q.Add(dst, func(buf driver.Buffer) {
		calls++
		got = append([]byte(nil), buf.Bytes()...)
	}))
	require.NoError(t, q.Process())
	require.Equal(t, 0, calls)

	gpu.CompleteAll()
	require.NoError(t, q.Process())
	require.Equal(t, 1, calls)
	require.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, q.Process())
	require.Equal(t, 1, calls)
}

func TestOrder(t *testing.T) {
	gpu := null.New()
	gpu.SetManual(true)
	q, err := New(ctxt.With(gpu), 3, 4, 2)
	require.NoError(t, err)
	buf, err := gpu.NewBuffer(4, true, driver.UGeneric)
	require.NoError(t, err)

	var order []int
	for frame := range 2 {
		for i := range 2 {
			n := frame*2 + i
			require.NoError(t, q.Add(buf, func(driver.Buffer) { order = append(order, n) }))
		}
		copyFrame(t, gpu, buf, buf)
		require.NoError(t, q.Process())
	}
	gpu.CompleteAll()
	require.NoError(t, q.Process())
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestFinalizeAndLimits(t *testing.T) {
	gpu := null.New()
	q, err := New(ctxt.With(gpu), 2, 1, 1)
	require.NoError(t, err)
	buf, err := gpu.NewBuffer(4, true, driver.UGeneric)
	require.NoError(t, err)

	var calls int
	require.NoError(t, q.Add(buf, func(driver.Buffer) { calls++ }))
	require.ErrorIs(t, q.Add(buf, func(driver.Buffer) { calls++ }), ErrFull)
	require.Equal(t, 1, q.Pending())
	require.Panics(t, func() { q.Add(buf, nil) })

	require.NoError(t, q.Finalize(time.Second))
	require.Equal(t, 1, calls)
	q.Destroy()
}
