// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package driver defines the GPU interfaces that the frame
// graph records into and gates resource lifetime on.
//
// Backends register themselves from init. The engine picks
// one of them by name with Open and keeps it for the whole
// session.
package driver

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Driver is a GPU backend.
type Driver interface {
	// Open initializes the backend and returns its GPU.
	// Opening an open driver returns the same GPU.
	// Open need not be safe for concurrent use.
	Open() (GPU, error)

	// Name returns the backend's name.
	// It must be non-empty and must not open the driver.
	Name() string

	// Close releases the backend. Closing a driver that
	// is not open is a no-op.
	Close()
}

// Errors that drivers may return.
var (
	// A system library that the backend needs is missing.
	ErrNotInstalled = errors.New("driver: missing required library")
	// No adapter satisfies the backend's requirements.
	ErrNoDevice = errors.New("driver: no suitable device found")
	// Host allocation failed.
	ErrNoHostMemory = errors.New("driver: out of host memory")
	// Device allocation failed.
	ErrNoDeviceMemory = errors.New("driver: out of device memory")
	// The GPU is lost. Everything created from it must be
	// destroyed and the driver closed before it is opened
	// again.
	ErrFatal = errors.New("driver: fatal error")
)

// ErrNotRegistered means that no registered driver matches
// the name given to Open.
var ErrNotRegistered = errors.New("driver: no matching driver registered")

// registry holds the registered drivers in registration
// order, keyed by lower-case name.
type registry struct {
	mu    sync.Mutex
	order []string
	byKey map[string]Driver
}

var reg = registry{byKey: make(map[string]Driver)}

// Register makes drv available to Open.
// Backends call it from init. A later registration under
// the same name (ignoring case) replaces the earlier one
// but keeps its position.
func Register(drv Driver) {
	key := strings.ToLower(drv.Name())
	if key == "" {
		panic("driver: Register with empty name")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.byKey[key]; ok {
		log.WithField("driver", drv.Name()).Warn("driver replaced")
	} else {
		reg.order = append(reg.order, key)
		log.WithField("driver", drv.Name()).Debug("driver registered")
	}
	reg.byKey[key] = drv
}

// Drivers returns the registered drivers in registration
// order.
func Drivers() []Driver {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	drv := make([]Driver, len(reg.order))
	for i, key := range reg.order {
		drv[i] = reg.byKey[key]
	}
	return drv
}

// candidates returns the drivers that name selects.
// An exact match (ignoring case) selects only that driver.
// Otherwise every driver whose name contains name is
// selected, in registration order; the empty name selects
// all of them.
func candidates(name string) []Driver {
	key := strings.ToLower(name)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if drv, ok := reg.byKey[key]; ok && key != "" {
		return []Driver{drv}
	}
	var drv []Driver
	for _, k := range reg.order {
		if strings.Contains(k, key) {
			drv = append(drv, reg.byKey[k])
		}
	}
	return drv
}

// Open opens the first driver selected by name that opens
// successfully. The caller owns the returned driver and
// must Close it when done.
// If no driver matches, the error is ErrNotRegistered.
// If every match fails to open, the error joins their
// errors.
func Open(name string) (Driver, GPU, error) {
	drv := candidates(name)
	if len(drv) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	var errs []error
	for _, d := range drv {
		gpu, err := d.Open()
		if err == nil {
			log.WithField("driver", d.Name()).Debug("driver opened")
			return d, gpu, nil
		}
		log.WithError(err).WithField("driver", d.Name()).Warn("driver failed to open")
		errs = append(errs, fmt.Errorf("driver %s: %w", d.Name(), err))
	}
	return nil, nil, errors.Join(errs...)
}
