// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var loggerPtr atomic.Pointer[logrus.Logger]

func init() { loggerPtr.Store(newNopLogger()) }

func newNopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// SetLogger sets the logger used by renderers created
// after the call.
// By default, nothing is logged. A nil l restores the
// default.
//
// Levels:
//   - Debug: pass recording, list recycling
//   - Info: driver selection
//   - Warn: query exhaustion, failed frames
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *logrus.Logger { return loggerPtr.Load() }
