// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package fenced implements a pool of fixed-capacity lists
// whose contents are released only after a GPU fence
// signals.
//
// Items are added to the current list. Once per frame,
// Process retires the current list by signaling its fence
// and drains lists that were retired in previous frames,
// strictly in the order they were retired.
package fenced

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
	"github.com/gviegas/framegraph/internal/bitvec"
)

var (
	// ErrFull means that the current list has no room for
	// another item.
	ErrFull = errors.New("fenced: list is full")

	// ErrExhausted means that every list is in flight, so
	// there is no current list to add items to.
	ErrExhausted = errors.New("fenced: no list available")

	// ErrTimeout means that a fence did not signal within
	// the timeout given to Finalize.
	ErrTimeout = errors.New("fenced: fence wait timed out")

	errPoolSize = errors.New("fenced: pool size must exceed the number of frames in flight")
)

// Config describes a Pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string
	// Number of lists in the pool.
	// It must be greater than InFlight.
	Lists int
	// Capacity of each list.
	Capacity int
	// Maximum number of frames in flight.
	InFlight int
	// Name of the counter incremented for every drained
	// item.
	Counter string
}

type list[T any] struct {
	fence driver.Fence
	items []T
}

// Pool is a fence-gated list pool.
// It must only be used from a single goroutine.
type Pool[T any] struct {
	lists []list[T]
	// Lists that are current or in flight.
	used *bitvec.V[uint32]
	// FIFO of in-flight list indices.
	active []int
	// Index of the current list, or -1.
	cur   int
	drain func(T)

	log     logrus.FieldLogger
	drained tally.Counter
	inUse   tally.Gauge
}

// New creates a new Pool.
// drain is called exactly once for every item added,
// after the fence of the item's list signals.
func New[T any](ctx *ctxt.Context, cfg Config, drain func(T)) (*Pool[T], error) {
	switch {
	case drain == nil:
		return nil, errors.New("fenced: nil drain function")
	case cfg.Capacity < 1:
		return nil, errors.New("fenced: invalid list capacity")
	case cfg.InFlight < 1, cfg.Lists <= cfg.InFlight:
		return nil, errPoolSize
	}
	p := &Pool[T]{
		lists:  make([]list[T], cfg.Lists),
		active: make([]int, 0, cfg.Lists),
		cur:    -1,
		used:   bitvec.New[uint32](cfg.Lists),
		drain:  drain,
		log:    ctx.Log(cfg.Name),
	}
	scope := ctx.Scope(cfg.Name)
	p.drained = scope.Counter(cfg.Counter)
	p.inUse = scope.Gauge("active")
	for i := cfg.Lists; i < p.used.Len(); i++ {
		p.used.Set(i)
	}
	for i := range p.lists {
		f, err := ctx.NewFence()
		if err != nil {
			for j := 0; j < i; j++ {
				p.lists[j].fence.Destroy()
			}
			return nil, fmt.Errorf("fenced: creating fence: %w", err)
		}
		p.lists[i] = list[T]{fence: f, items: make([]T, 0, cfg.Capacity)}
	}
	p.refill()
	return p, nil
}

// Add adds x to the current list.
// It panics if there is no current list.
func (p *Pool[T]) Add(x T) error {
	if p.cur < 0 {
		panic("fenced: Add with no current list")
	}
	l := &p.lists[p.cur]
	if len(l.items) == cap(l.items) {
		return ErrFull
	}
	l.items = append(l.items, x)
	return nil
}

// Process drains every in-flight list whose fence has
// signaled, stopping at the first one that has not.
// Then, if the current list is not empty, it is moved to
// the in-flight queue and its fence is signaled. Lastly,
// a new current list is selected if needed.
// It must be called after the frame's work is committed.
func (p *Pool[T]) Process() error {
drain:
	for len(p.active) > 0 {
		i := p.active[0]
		switch p.lists[i].fence.Status() {
		case driver.FSuccess:
		case driver.FError:
			return fmt.Errorf("fenced: %w", driver.ErrFatal)
		default:
			// Work completes in submission order, so no
			// list behind this one can have signaled.
			break drain
		}
		if err := p.recycle(i); err != nil {
			return err
		}
		p.active = append(p.active[:0], p.active[1:]...)
	}
	if p.cur >= 0 && len(p.lists[p.cur].items) > 0 {
		if err := p.lists[p.cur].fence.Signal(); err != nil {
			return fmt.Errorf("fenced: signaling fence: %w", err)
		}
		p.active = append(p.active, p.cur)
		p.cur = -1
	}
	p.inUse.Update(float64(len(p.active)))
	if p.cur < 0 && !p.refill() {
		p.log.WithField("active", len(p.active)).Warn("all lists in flight")
		return ErrExhausted
	}
	return nil
}

// Finalize blocks until every list is drained, including
// the current one.
// It signals the current list's fence, so it must only be
// called after all work that uses the items was committed.
func (p *Pool[T]) Finalize(timeout time.Duration) error {
	if p.cur >= 0 && len(p.lists[p.cur].items) > 0 {
		if err := p.lists[p.cur].fence.Signal(); err != nil {
			return fmt.Errorf("fenced: signaling fence: %w", err)
		}
		p.active = append(p.active, p.cur)
		p.cur = -1
	}
	for len(p.active) > 0 {
		i := p.active[0]
		switch res := p.lists[i].fence.Wait(timeout); res {
		case driver.FSuccess:
		case driver.FTimeout, driver.FWaiting:
			p.log.WithField("list", i).Warn("fence wait timed out")
			return ErrTimeout
		default:
			p.log.WithField("list", i).Error("fence wait failed")
			return fmt.Errorf("fenced: %w", driver.ErrFatal)
		}
		if err := p.recycle(i); err != nil {
			return err
		}
		p.active = append(p.active[:0], p.active[1:]...)
	}
	p.inUse.Update(0)
	if p.cur < 0 {
		p.refill()
	}
	return nil
}

// recycle drains list i, resets its fence and makes it
// available.
func (p *Pool[T]) recycle(i int) error {
	l := &p.lists[i]
	for _, x := range l.items {
		p.drain(x)
	}
	p.drained.Inc(int64(len(l.items)))
	p.log.WithFields(logrus.Fields{"list": i, "items": len(l.items)}).Debug("list drained")
	clear(l.items)
	l.items = l.items[:0]
	if err := l.fence.Reset(); err != nil {
		return fmt.Errorf("fenced: resetting fence: %w", err)
	}
	p.used.Unset(i)
	return nil
}

// refill selects an available list as the current one.
func (p *Pool[T]) refill() bool {
	i, ok := p.used.Search()
	if !ok {
		return false
	}
	p.used.Set(i)
	p.cur = i
	return true
}

// Ready reports whether there is a current list.
func (p *Pool[T]) Ready() bool { return p.cur >= 0 }

// Pending returns the number of items in the current list.
func (p *Pool[T]) Pending() int {
	if p.cur < 0 {
		return 0
	}
	return len(p.lists[p.cur].items)
}

// InFlight returns the number of lists awaiting their
// fences.
func (p *Pool[T]) InFlight() int { return len(p.active) }

// Destroy destroys the fences.
// Items that were not drained are dropped.
func (p *Pool[T]) Destroy() {
	for i := range p.lists {
		if p.lists[i].fence != nil {
			p.lists[i].fence.Destroy()
		}
	}
	*p = Pool[T]{cur: -1}
}
