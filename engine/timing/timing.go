// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package timing measures GPU time spent in each pass.
//
// A Tracker holds one query pool per frame in flight.
// Queries written in a frame are read back when the pool
// comes around again, so that reading never stalls on work
// that is still executing.
package timing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/internal/ctxt"
)

// ErrNoQueries means that the current frame's query pool
// has no queries left.
var ErrNoQueries = errors.New("timing: query pool exhausted")

// Request identifies the pair of queries that bracket a
// pass.
type Request struct {
	Start, End int
}

// Interval is the resolved timing of a pass.
// Start is relative to the beginning of the frame.
type Interval struct {
	Start    time.Duration
	Duration time.Duration
}

// Hash returns the key used to identify name.
func Hash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

type frameQueries struct {
	pool driver.QueryPool
	// Whether queries were recorded since the last
	// resolve.
	valid bool
	// Number of queries allocated.
	next  int
	start int
	end   int
	reqs  map[uint64]Request
	// Names of the passes allocated with AllocateNamed.
	names map[uint64]string
}

// Tracker is a GPU timing query tracker.
// It must only be used from a single goroutine.
type Tracker struct {
	frames  []frameQueries
	queries int
	period  float64
	cur     int

	results  map[uint64]Interval
	frameDur time.Duration

	log   logrus.FieldLogger
	scope tally.Scope
}

// New creates a new Tracker for the given number of
// frames in flight, each of which can use up to queries
// timestamp queries.
func New(ctx *ctxt.Context, frames, queries int) (*Tracker, error) {
	if frames < 1 {
		return nil, errors.New("timing: invalid frame count")
	}
	// At least the frame's own start/end queries and one
	// pass.
	if queries < 4 {
		return nil, errors.New("timing: too few queries")
	}
	t := &Tracker{
		frames:  make([]frameQueries, frames),
		queries: queries,
		period:  ctx.Limits().TimestampPeriod,
		cur:     -1,
		results: make(map[uint64]Interval),
		log:     ctx.Log("timing"),
		scope:   ctx.Scope("timing"),
	}
	for i := range t.frames {
		pool, err := ctx.GPU().NewQueryPool(queries)
		if err != nil {
			for j := 0; j < i; j++ {
				t.frames[j].pool.Destroy()
			}
			return nil, fmt.Errorf("timing: creating query pool: %w", err)
		}
		t.frames[i] = frameQueries{
			pool:  pool,
			reqs:  make(map[uint64]Request),
			names: make(map[uint64]string),
		}
	}
	return t, nil
}

// BeginFrame selects the query pool of frame and records
// the frame's start query into cb.
// The pool of the oldest frame still tracked is resolved
// first, making its results available through Result.
func (t *Tracker) BeginFrame(cb driver.CmdBuffer, frame uint64) {
	n := len(t.frames)
	t.cur = int(frame % uint64(n))
	t.resolve((t.cur + 1) % n)

	fq := &t.frames[t.cur]
	clear(fq.reqs)
	clear(fq.names)
	fq.valid = true
	fq.start = 0
	fq.end = -1
	fq.next = 1
	cb.ResetQueries(fq.pool, 0, t.queries)
	cb.Timestamp(fq.pool, fq.start)
}

// Allocate allocates a pair of queries for the pass
// identified by hash.
func (t *Tracker) Allocate(hash uint64) (Request, error) {
	if t.cur < 0 {
		panic("timing: Allocate called outside of a frame")
	}
	fq := &t.frames[t.cur]
	// The last query is kept for EndFrame.
	if fq.next+2 > t.queries-1 {
		t.log.WithField("queries", t.queries).Warn("out of timing queries")
		return Request{}, ErrNoQueries
	}
	r := Request{fq.next, fq.next + 1}
	fq.next += 2
	fq.reqs[hash] = r
	return r, nil
}

// AllocateNamed is like Allocate, but also associates name
// with its hash, so that results are exported as metrics
// tagged by name.
func (t *Tracker) AllocateNamed(name string) (Request, error) {
	h := Hash(name)
	r, err := t.Allocate(h)
	if err == nil {
		t.frames[t.cur].names[h] = name
	}
	return r, err
}

// Pool returns the query pool of the current frame.
func (t *Tracker) Pool() driver.QueryPool {
	if t.cur < 0 {
		return nil
	}
	return t.frames[t.cur].pool
}

// EndFrame records the frame's end query into cb and makes
// the frame's queries resolvable.
func (t *Tracker) EndFrame(cb driver.CmdBuffer) {
	if t.cur < 0 {
		panic("timing: EndFrame called outside of a frame")
	}
	fq := &t.frames[t.cur]
	fq.end = fq.next
	fq.next++
	cb.Timestamp(fq.pool, fq.end)
	cb.ResolveQueries(fq.pool, 0, fq.next)
}

// resolve reads back the queries of frame slot i.
func (t *Tracker) resolve(i int) {
	fq := &t.frames[i]
	if !fq.valid || fq.end < 0 {
		return
	}
	fq.valid = false
	start, ok1 := fq.pool.Timestamp(fq.start)
	end, ok2 := fq.pool.Timestamp(fq.end)
	if !ok1 || !ok2 {
		t.log.WithField("slot", i).Debug("frame queries not available")
		return
	}
	clear(t.results)
	t.frameDur = t.duration(start, end)
	t.scope.Timer("frame_gpu").Record(t.frameDur)
	for h, r := range fq.reqs {
		s, ok1 := fq.pool.Timestamp(r.Start)
		e, ok2 := fq.pool.Timestamp(r.End)
		if !ok1 || !ok2 {
			continue
		}
		iv := Interval{Start: t.duration(start, s), Duration: t.duration(s, e)}
		t.results[h] = iv
		if name, ok := fq.names[h]; ok {
			t.scope.Tagged(map[string]string{"pass": name}).Timer("pass_gpu").Record(iv.Duration)
		}
	}
}

// duration converts the tick interval [from, to] into a
// time.Duration.
func (t *Tracker) duration(from, to uint64) time.Duration {
	if to < from {
		return 0
	}
	return time.Duration(float64(to-from) * t.period)
}

// Result returns the most recently resolved interval of
// the pass identified by hash.
// Passes that have no resolved interval yield a zero
// Interval.
func (t *Tracker) Result(hash uint64) Interval { return t.results[hash] }

// FrameDuration returns the GPU duration of the most
// recently resolved frame.
func (t *Tracker) FrameDuration() time.Duration { return t.frameDur }

// Destroy destroys the query pools.
func (t *Tracker) Destroy() {
	for i := range t.frames {
		t.frames[i].pool.Destroy()
	}
	*t = Tracker{cur: -1}
}
