// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package null implements a driver that runs entirely on
// the CPU.
// It records commands and executes them on a simulated
// GPU timeline, which can either complete work as soon as
// it is committed or wait for explicit completion calls.
// Importing this package registers a driver named "null".
package null

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	log "github.com/sirupsen/logrus"

	"github.com/gviegas/framegraph/driver"
)

const driverName = "null"

// Driver implements driver.Driver.
type Driver struct {
	mu  sync.Mutex
	gpu *GPU
}

var drv Driver

func init() { driver.Register(&drv) }

// Open initializes the driver.
// The GPU it returns completes work automatically.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gpu == nil {
		d.gpu = New()
		d.gpu.drv = d
		log.WithField("driver", driverName).Info("opened")
	}
	return d.gpu, nil
}

// Name returns the driver name.
func (*Driver) Name() string { return driverName }

// Close deinitializes the driver.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gpu = nil
}

// GPU implements driver.GPU.
// Committed work items are executed in order. Each one
// is assigned an increasing submission index, and fences
// signal once the index they wait on has completed.
type GPU struct {
	drv *Driver

	mu        sync.Mutex
	manual    bool
	submitted uint64
	completed uint64
	pending   []pendingWork
	// Closed and replaced whenever completed advances.
	done chan struct{}
	// Simulated GPU clock, in nanoseconds.
	clock uint64
}

type pendingWork struct {
	index uint64
	wk    *driver.WorkItem
	ch    chan<- *driver.WorkItem
}

// New creates a new GPU that is not registered with any
// Driver. It completes work automatically.
func New() *GPU {
	return &GPU{done: make(chan struct{})}
}

// SetManual sets whether work completes only through calls
// to Complete/CompleteAll.
// Switching back to automatic mode completes any pending
// work.
func (g *GPU) SetManual(manual bool) {
	g.mu.Lock()
	g.manual = manual
	g.mu.Unlock()
	if !manual {
		g.CompleteAll()
	}
}

// Complete completes up to n pending work items, in
// submission order.
// It returns the number of items completed.
func (g *GPU) Complete(n int) int {
	g.mu.Lock()
	if n > len(g.pending) {
		n = len(g.pending)
	}
	work := make([]pendingWork, n)
	copy(work, g.pending)
	g.pending = g.pending[n:]
	for i := range work {
		g.execute(work[i].wk)
		g.completed = work[i].index
	}
	if n > 0 {
		close(g.done)
		g.done = make(chan struct{})
	}
	g.mu.Unlock()
	for i := range work {
		deliver(work[i].wk, work[i].ch)
	}
	return n
}

// CompleteAll completes every pending work item.
func (g *GPU) CompleteAll() int {
	g.mu.Lock()
	n := len(g.pending)
	g.mu.Unlock()
	return g.Complete(n)
}

// Pending returns the number of work items that have been
// committed but not completed.
func (g *GPU) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Submitted returns the index of the last committed work
// item.
func (g *GPU) Submitted() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitted
}

// Completed returns the index of the last completed work
// item.
func (g *GPU) Completed() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed
}

func deliver(wk *driver.WorkItem, ch chan<- *driver.WorkItem) {
	if ch == nil {
		return
	}
	select {
	case ch <- wk:
	default:
		go func() { ch <- wk }()
	}
}

// Driver returns the Driver that owns the GPU.
func (g *GPU) Driver() driver.Driver {
	if g.drv == nil {
		return &drv
	}
	return g.drv
}

// Commit commits a work item for execution.
func (g *GPU) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	if wk == nil || len(wk.Work) == 0 {
		return errors.New("null: empty work item")
	}
	for _, cb := range wk.Work {
		c, ok := cb.(*CmdBuffer)
		if !ok {
			return errors.New("null: foreign command buffer")
		}
		if c.recording {
			return errors.New("null: command buffer still recording")
		}
		if !c.ended {
			return errors.New("null: command buffer not ended")
		}
	}
	g.mu.Lock()
	g.submitted++
	g.pending = append(g.pending, pendingWork{g.submitted, wk, ch})
	manual := g.manual
	g.mu.Unlock()
	if !manual {
		g.CompleteAll()
	}
	return nil
}

// NewCmdBuffer creates a new command buffer.
func (g *GPU) NewCmdBuffer() (driver.CmdBuffer, error) {
	return &CmdBuffer{gpu: g}, nil
}

// NewBuffer creates a new buffer.
func (g *GPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	if size <= 0 {
		return nil, errors.New("null: invalid buffer size")
	}
	return &Buffer{data: make([]byte, size), visible: visible, usage: usg}, nil
}

// NewImage creates a new image.
// Images start in the driver.LUndefined layout.
func (g *GPU) NewImage(pf gputypes.TextureFormat, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	switch {
	case size.Width < 1, size.Height < 1, layers < 1, levels < 1, samples < 1:
		return nil, errors.New("null: invalid image parameters")
	case pf == gputypes.TextureFormatUndefined:
		return nil, errors.New("null: undefined image format")
	}
	n := max(driver.TexelSize(pf), 1) * size.Width * size.Height * max(size.Depth, 1) * layers
	return &Image{
		format: pf,
		size:   size,
		layers: layers,
		levels: levels,
		usage:  usg,
		data:   make([]byte, n),
		layout: driver.LUndefined,
	}, nil
}

// NewFence creates a new fence.
func (g *GPU) NewFence() (driver.Fence, error) { return &Fence{gpu: g}, nil }

// NewQueryPool creates a new query pool.
func (g *GPU) NewQueryPool(n int) (driver.QueryPool, error) {
	if n < 1 || n > g.Limits().MaxQueries {
		return nil, fmt.Errorf("null: invalid query count %d", n)
	}
	return &QueryPool{
		vals:     make([]uint64, n),
		written:  make([]bool, n),
		resolved: make([]bool, n),
	}, nil
}

// Limits returns the implementation limits.
func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxImage2D:      16384,
		MaxLayers:       2048,
		MaxColorTargets: 8,
		MaxSlots:        16,
		MaxQueries:      4096,
		TimestampPeriod: 1,
		MaxDispatch:     [3]int{65535, 65535, 65535},
	}
}
