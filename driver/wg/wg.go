// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package wg adapts github.com/gogpu/wgpu objects to the
// driver interfaces that gate resource lifetime.
// WebGPU exposes no binary fences to applications, so
// Fence is built on queue submission indices instead.
package wg

import (
	"errors"
	"sync"
	"time"

	"github.com/gogpu/wgpu"

	"github.com/gviegas/framegraph/driver"
)

// Queue is the part of *wgpu.Queue that a Fence uses.
type Queue interface {
	// Poll returns the last completed submission index.
	Poll() uint64
	// LastSubmissionIndex returns the most recent
	// submission index.
	LastSubmissionIndex() uint64
}

var _ Queue = (*wgpu.Queue)(nil)

// PollInterval is the interval between queue polls while
// waiting on a Fence.
var PollInterval = 200 * time.Microsecond

// Fence implements driver.Fence.
type Fence struct {
	q       Queue
	mu      sync.Mutex
	pending bool
	target  uint64
}

var _ driver.Fence = (*Fence)(nil)

// NewFence creates a fence that tracks q.
func NewFence(q Queue) *Fence { return &Fence{q: q} }

// NewDeviceFence creates a fence that tracks the queue of
// dev.
func NewDeviceFence(dev *wgpu.Device) (*Fence, error) {
	if dev == nil {
		return nil, errors.New("wg: nil device")
	}
	q := dev.Queue()
	if q == nil {
		return nil, errors.New("wg: device has no queue")
	}
	return NewFence(q), nil
}

// Signal records the queue's last submission as the
// point the fence waits on.
func (f *Fence) Signal() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return errors.New("wg: fence already has a pending signal")
	}
	f.pending = true
	f.target = f.q.LastSubmissionIndex()
	return nil
}

// Reset sets the fence to the unsignaled state.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	f.target = 0
	return nil
}

// Status returns FSuccess once the queue has completed
// the recorded submission.
func (f *Fence) Status() driver.FenceResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending && f.q.Poll() >= f.target {
		return driver.FSuccess
	}
	return driver.FWaiting
}

// Wait polls the queue until the fence is signaled or the
// timeout expires.
func (f *Fence) Wait(timeout time.Duration) driver.FenceResult {
	deadline := time.Now().Add(timeout)
	for {
		if f.Status() == driver.FSuccess {
			return driver.FSuccess
		}
		if !time.Now().Before(deadline) {
			return driver.FTimeout
		}
		time.Sleep(min(PollInterval, time.Until(deadline)))
	}
}

// Destroy is a no-op, since the fence owns no GPU object.
func (f *Fence) Destroy() {}

// Joined is a fence that signals once both a driver fence
// and a wgpu queue have completed.
type Joined struct {
	gpu driver.Fence
	q   *Fence
}

var _ driver.Fence = (*Joined)(nil)

// Join joins gpu with a fence that tracks q.
// The returned fence owns gpu.
func Join(gpu driver.Fence, q Queue) *Joined {
	return &Joined{gpu: gpu, q: NewFence(q)}
}

// Signal signals both fences.
func (j *Joined) Signal() error {
	if err := j.gpu.Signal(); err != nil {
		return err
	}
	return j.q.Signal()
}

// Reset resets both fences.
func (j *Joined) Reset() error {
	return errors.Join(j.gpu.Reset(), j.q.Reset())
}

// Status returns FSuccess once both fences have signaled.
func (j *Joined) Status() driver.FenceResult {
	if res := j.gpu.Status(); res != driver.FSuccess {
		return res
	}
	return j.q.Status()
}

// Wait waits on the driver fence and then on the queue,
// within a single timeout.
func (j *Joined) Wait(timeout time.Duration) driver.FenceResult {
	deadline := time.Now().Add(timeout)
	if res := j.gpu.Wait(timeout); res != driver.FSuccess {
		return res
	}
	return j.q.Wait(max(time.Until(deadline), 0))
}

// Destroy destroys the driver fence.
func (j *Joined) Destroy() { j.gpu.Destroy() }

// Releaser is the interface implemented by wgpu resources
// such as *wgpu.Buffer and *wgpu.Texture.
type Releaser interface {
	Release()
}

var (
	_ Releaser = (*wgpu.Buffer)(nil)
	_ Releaser = (*wgpu.Texture)(nil)
	_ Releaser = (*wgpu.TextureView)(nil)
)

// Resource wraps a Releaser as a driver.Destroyer, so that
// wgpu objects can go through the deletion queue.
type Resource struct {
	r    Releaser
	once sync.Once
}

// Wrap wraps r.
func Wrap(r Releaser) *Resource { return &Resource{r: r} }

// Destroy releases the wrapped resource.
// Only the first call has any effect.
func (r *Resource) Destroy() { r.once.Do(r.r.Release) }
