// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package ctxt provides the render context shared by the
// engine's components.
// A Context is created once per session and passed to
// every component that needs GPU access, logging or
// metrics.
package ctxt

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
)

// Context holds the GPU selected for the session.
type Context struct {
	drv    driver.Driver
	gpu    driver.GPU
	limits driver.Limits
	log    logrus.FieldLogger
	scope  tally.Scope
	fences func(driver.GPU) (driver.Fence, error)
	// Whether Close should close drv.
	owned bool
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
// Components derive their own loggers from it.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithScope sets the metrics scope.
func WithScope(s tally.Scope) Option {
	return func(c *Context) {
		if s != nil {
			c.scope = s
		}
	}
}

// WithFences makes NewFence create fences with fn instead
// of GPU().NewFence. It is meant for fences that also track
// work submitted outside of the GPU's own queue.
func WithFences(fn func(driver.GPU) (driver.Fence, error)) Option {
	return func(c *Context) { c.fences = fn }
}

// newNopLogger creates a logger that discards all output.
func newNopLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// New creates a Context using the driver that
// driver.Open selects by name.
// The driver is used for the lifetime of the Context.
func New(name string, opts ...Option) (*Context, error) {
	c := newContext(opts)
	drv, gpu, err := driver.Open(name)
	if err != nil {
		return nil, err
	}
	c.drv = drv
	c.gpu = gpu
	c.limits = gpu.Limits()
	c.owned = true
	c.log.WithField("driver", c.drv.Name()).Info("driver selected")
	return c, nil
}

// With creates a Context that uses gpu.
// Closing the Context does not close gpu's driver.
func With(gpu driver.GPU, opts ...Option) *Context {
	if gpu == nil {
		panic("ctxt.With: nil GPU")
	}
	c := newContext(opts)
	c.drv = gpu.Driver()
	c.gpu = gpu
	c.limits = gpu.Limits()
	return c
}

func newContext(opts []Option) *Context {
	c := &Context{
		log:   newNopLogger(),
		scope: tally.NoopScope,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Driver returns the driver.Driver.
func (c *Context) Driver() driver.Driver { return c.drv }

// GPU returns the driver.GPU.
func (c *Context) GPU() driver.GPU { return c.gpu }

// Limits returns GPU().Limits().
// This value is retrieved only once. It must not be
// changed by the caller.
func (c *Context) Limits() *driver.Limits { return &c.limits }

// NewFence creates a fence for gating resource lifetime.
func (c *Context) NewFence() (driver.Fence, error) {
	if c.fences != nil {
		return c.fences(c.gpu)
	}
	return c.gpu.NewFence()
}

// Log returns a logger for the given component.
func (c *Context) Log(component string) logrus.FieldLogger {
	return c.log.WithField("component", component)
}

// Scope returns a metrics scope for the given component.
func (c *Context) Scope(component string) tally.Scope {
	return c.scope.SubScope(component)
}

// Close closes the driver if the Context opened it.
func (c *Context) Close() {
	if c.owned && c.drv != nil {
		c.drv.Close()
	}
	c.drv = nil
	c.gpu = nil
}
