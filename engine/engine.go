// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package engine drives frames through the render graph.
//
// A Renderer owns the per-frame command buffers, the
// render graph and the queues that keep GPU resources
// alive until the GPU is done with them. Each call to
// Renderer.Frame builds, executes and commits one frame.
package engine

import (
	"errors"
	"time"
)

const (
	// The maximum number of frames in flight.
	MaxFrame = 3

	dflDeletionCapacity = 256
	dflTransferCapacity = 32
	dflQueriesPerFrame  = 128
	dflMaxPasses        = 64
	dflMaxTextureUsages = 512
	dflMaxBufferUsages  = 512
	dflWidth            = 1280
	dflHeight           = 720
	dflFenceTimeout     = 5 * time.Second
)

// Config is used to configure the engine.
type Config struct {
	// Name of the driver to use. Any driver whose name
	// contains this string (case insensitive) is
	// considered.
	//
	// Default is "" (any driver).
	Driver string `yaml:"driver"`

	// Prefer double-buffering rather than the
	// default triple-buffering.
	//
	// Default is false.
	DoubleBuffered bool `yaml:"double_buffered"`

	// Size of the renderer's target.
	//
	// Default is 1280x720.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// The number of deletion lists.
	// It must be greater than the number of frames in
	// flight.
	//
	// Default is MaxFrame+1.
	DeletionLists int `yaml:"deletion_lists"`

	// The maximum number of resources queued for
	// destruction per frame.
	//
	// Default is 256.
	DeletionCapacity int `yaml:"deletion_capacity"`

	// The number of transfer callback lists.
	// It must be greater than the number of frames in
	// flight.
	//
	// Default is MaxFrame+1.
	TransferLists int `yaml:"transfer_lists"`

	// The maximum number of transfer callbacks per
	// frame.
	//
	// Default is 32.
	TransferCapacity int `yaml:"transfer_capacity"`

	// The number of timestamp queries per frame.
	// Each timed pass takes two.
	//
	// Default is 128.
	QueriesPerFrame int `yaml:"queries_per_frame"`

	// Render graph capacities.
	//
	// Defaults are 64, 512 and 512.
	MaxPasses        int `yaml:"max_passes"`
	MaxTextureUsages int `yaml:"max_texture_usages"`
	MaxBufferUsages  int `yaml:"max_buffer_usages"`

	// How long Close waits for in-flight work.
	//
	// Default is 5s.
	FenceTimeout time.Duration `yaml:"fence_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Width:            dflWidth,
		Height:           dflHeight,
		DeletionLists:    MaxFrame + 1,
		DeletionCapacity: dflDeletionCapacity,
		TransferLists:    MaxFrame + 1,
		TransferCapacity: dflTransferCapacity,
		QueriesPerFrame:  dflQueriesPerFrame,
		MaxPasses:        dflMaxPasses,
		MaxTextureUsages: dflMaxTextureUsages,
		MaxBufferUsages:  dflMaxBufferUsages,
		FenceTimeout:     dflFenceTimeout,
	}
}

// Frames returns the number of frames in flight.
func (c *Config) Frames() int {
	if c.DoubleBuffered {
		return 2
	}
	return MaxFrame
}

// Validate checks whether c is a valid configuration.
func (c *Config) Validate() error {
	var reason string
	switch n := c.Frames(); {
	case c.Width < 1, c.Height < 1:
		reason = "invalid size"
	case c.DeletionLists <= n:
		reason = "too few deletion lists"
	case c.TransferLists <= n:
		reason = "too few transfer lists"
	case c.DeletionCapacity < 1, c.TransferCapacity < 1:
		reason = "invalid list capacity"
	case c.QueriesPerFrame < 4:
		reason = "too few queries per frame"
	case c.MaxPasses < 1, c.MaxTextureUsages < 0, c.MaxBufferUsages < 0:
		reason = "invalid graph capacity"
	case c.FenceTimeout <= 0:
		reason = "invalid fence timeout"
	default:
		return nil
	}
	return errors.New("engine: " + reason)
}
