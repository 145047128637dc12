// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package null

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/framegraph/driver"
)

// Buffer implements driver.Buffer.
type Buffer struct {
	data      []byte
	visible   bool
	usage     driver.Usage
	destroyed bool
}

// Visible returns whether the buffer is host visible.
func (b *Buffer) Visible() bool { return b.visible }

// Bytes returns the buffer's data if it is host visible.
func (b *Buffer) Bytes() []byte {
	if !b.visible {
		return nil
	}
	return b.data
}

// Cap returns the capacity of the buffer in bytes.
func (b *Buffer) Cap() int64 { return int64(len(b.data)) }

// Destroyed returns whether Destroy was called.
func (b *Buffer) Destroyed() bool { return b.destroyed }

// Destroy destroys the buffer.
// It panics if called more than once.
func (b *Buffer) Destroy() {
	if b.destroyed {
		panic("null: Buffer destroyed twice")
	}
	b.destroyed = true
}

// Image implements driver.Image.
type Image struct {
	format    gputypes.TextureFormat
	size      driver.Dim3D
	layers    int
	levels    int
	usage     driver.Usage
	data      []byte
	layout    driver.Layout
	destroyed bool
}

// Format returns the image's format.
func (m *Image) Format() gputypes.TextureFormat { return m.format }

// Layout returns the layout the image is in, as of the
// last completed work item.
func (m *Image) Layout() driver.Layout { return m.layout }

// Data returns the image's contents.
func (m *Image) Data() []byte { return m.data }

// Destroyed returns whether Destroy was called.
func (m *Image) Destroyed() bool { return m.destroyed }

// Destroy destroys the image.
// It panics if called more than once.
func (m *Image) Destroy() {
	if m.destroyed {
		panic("null: Image destroyed twice")
	}
	m.destroyed = true
}

// Fence implements driver.Fence.
type Fence struct {
	gpu     *GPU
	pending bool
	target  uint64
}

// Signal requests the fence to be signaled once all work
// committed so far completes.
func (f *Fence) Signal() error {
	f.gpu.mu.Lock()
	defer f.gpu.mu.Unlock()
	if f.pending {
		return errors.New("null: fence already has a pending signal")
	}
	f.pending = true
	f.target = f.gpu.submitted
	return nil
}

// Reset sets the fence to the unsignaled state.
func (f *Fence) Reset() error {
	f.gpu.mu.Lock()
	defer f.gpu.mu.Unlock()
	f.pending = false
	f.target = 0
	return nil
}

// status assumes that f.gpu.mu is held.
func (f *Fence) status() driver.FenceResult {
	if f.pending && f.gpu.completed >= f.target {
		return driver.FSuccess
	}
	return driver.FWaiting
}

// Status returns the fence status without blocking.
func (f *Fence) Status() driver.FenceResult {
	f.gpu.mu.Lock()
	defer f.gpu.mu.Unlock()
	return f.status()
}

// Wait blocks until the fence is signaled or the timeout
// expires.
// Waiting on a fence that has no pending signal times
// out.
func (f *Fence) Wait(timeout time.Duration) driver.FenceResult {
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	for {
		f.gpu.mu.Lock()
		if f.status() == driver.FSuccess {
			f.gpu.mu.Unlock()
			return driver.FSuccess
		}
		done := f.gpu.done
		f.gpu.mu.Unlock()
		select {
		case <-done:
		case <-tm.C:
			return driver.FTimeout
		}
	}
}

// Destroy destroys the fence.
func (f *Fence) Destroy() {}

// QueryPool implements driver.QueryPool.
type QueryPool struct {
	vals     []uint64
	written  []bool
	resolved []bool
}

// Len returns the number of queries in the pool.
func (p *QueryPool) Len() int { return len(p.vals) }

// Timestamp returns the resolved value of query i.
func (p *QueryPool) Timestamp(i int) (uint64, bool) {
	if i < 0 || i >= len(p.vals) || !p.resolved[i] {
		return 0, false
	}
	return p.vals[i], true
}

// Destroy destroys the query pool.
func (p *QueryPool) Destroy() {}
