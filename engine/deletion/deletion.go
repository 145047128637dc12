// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package deletion defers the destruction of GPU-backed
// objects until the GPU is done using them.
package deletion

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
	"github.com/gviegas/framegraph/engine/internal/fenced"
)

// ErrTimeout means that Finalize gave up waiting.
var ErrTimeout = fenced.ErrTimeout

// Queue is a GPU deletion queue.
// Objects added during a frame are destroyed only after
// the GPU completes every command committed up to the
// point where that frame's Process call is made.
type Queue struct {
	pool *fenced.Pool[driver.Destroyer]
	// Objects that did not fit in the current list.
	// Process moves them to the next one.
	spill []driver.Destroyer

	log     logrus.FieldLogger
	spilled tally.Counter
}

// New creates a new deletion queue with nlist lists of
// capacity objects each.
// nlist must be greater than inFlight.
func New(ctx *ctxt.Context, nlist, capacity, inFlight int) (*Queue, error) {
	pool, err := fenced.New(ctx, fenced.Config{
		Name:     "deletion",
		Lists:    nlist,
		Capacity: capacity,
		InFlight: inFlight,
		Counter:  "destroyed",
	}, driver.Destroyer.Destroy)
	if err != nil {
		return nil, err
	}
	return &Queue{
		pool:    pool,
		log:     ctx.Log("deletion"),
		spilled: ctx.Scope("deletion").Counter("spilled"),
	}, nil
}

// Add enqueues d for destruction.
// Ownership of d transfers to the queue.
// Add never drops d: if the current list is full, d waits
// for a list that is retired later.
func (q *Queue) Add(d driver.Destroyer) {
	if d == nil {
		return
	}
	if len(q.spill) == 0 && q.pool.Ready() {
		if q.pool.Add(d) == nil {
			return
		}
		q.log.WithField("pending", q.pool.Pending()).Debug("list full")
	}
	q.spill = append(q.spill, d)
	q.spilled.Inc(1)
}

// unspill moves as many spilled objects as will fit into
// the current list.
func (q *Queue) unspill() {
	var n int
	for ; n < len(q.spill) && q.pool.Ready(); n++ {
		if q.pool.Add(q.spill[n]) != nil {
			break
		}
	}
	m := copy(q.spill, q.spill[n:])
	clear(q.spill[m:])
	q.spill = q.spill[:m]
}

// Process destroys objects whose fence has signaled and
// retires the current frame's list.
// It must be called once per frame, after the frame's
// work is committed.
func (q *Queue) Process() error {
	err := q.pool.Process()
	q.unspill()
	return err
}

// Finalize blocks until every queued object is destroyed.
// It returns ErrTimeout if a single fence wait exceeds
// timeout.
func (q *Queue) Finalize(timeout time.Duration) error {
	for {
		if err := q.pool.Finalize(timeout); err != nil {
			return err
		}
		if len(q.spill) == 0 {
			return nil
		}
		q.unspill()
	}
}

// Pending returns the number of objects added since the
// last call to Process, plus those that are still waiting
// for room in a list.
func (q *Queue) Pending() int { return q.pool.Pending() + len(q.spill) }

// Destroy destroys the queue itself.
// It must be preceded by a successful call to Finalize,
// otherwise queued objects are leaked.
func (q *Queue) Destroy() {
	q.pool.Destroy()
	clear(q.spill)
	q.spill = nil
}
