// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package transfer defers CPU callbacks until the GPU
// copies that feed them have completed.
package transfer

import (
	"time"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
	"github.com/gviegas/framegraph/engine/internal/fenced"
)

// ErrTimeout means that Finalize gave up waiting.
var ErrTimeout = fenced.ErrTimeout

// ErrFull means that the current frame's list has no room
// for another callback.
var ErrFull = fenced.ErrFull

// Callback is called with the buffer that a GPU copy
// wrote to. The buffer's contents are valid for the
// duration of the call.
type Callback func(buf driver.Buffer)

type download struct {
	buf driver.Buffer
	fn  Callback
}

// Queue is a GPU transfer callback queue.
type Queue struct {
	pool *fenced.Pool[download]
}

// New creates a new transfer callback queue with nlist
// lists of capacity callbacks each.
// nlist must be greater than inFlight.
func New(ctx *ctxt.Context, nlist, capacity, inFlight int) (*Queue, error) {
	pool, err := fenced.New(ctx, fenced.Config{
		Name:     "transfer",
		Lists:    nlist,
		Capacity: capacity,
		InFlight: inFlight,
		Counter:  "callbacks",
	}, func(d download) { d.fn(d.buf) })
	if err != nil {
		return nil, err
	}
	return &Queue{pool}, nil
}

// Add enqueues fn to be called with buf once the work
// committed in the current frame completes.
// It panics if fn is nil.
func (q *Queue) Add(buf driver.Buffer, fn Callback) error {
	if fn == nil {
		panic("transfer: nil Callback")
	}
	return q.pool.Add(download{buf, fn})
}

// Process invokes callbacks whose fence has signaled and
// retires the current frame's list.
// It must be called once per frame, after the frame's
// work is committed.
func (q *Queue) Process() error { return q.pool.Process() }

// Finalize blocks until every queued callback is invoked.
func (q *Queue) Finalize(timeout time.Duration) error { return q.pool.Finalize(timeout) }

// Pending returns the number of callbacks added since the
// last call to Process.
func (q *Queue) Pending() int { return q.pool.Pending() }

// Destroy destroys the queue itself.
func (q *Queue) Destroy() { q.pool.Destroy() }
