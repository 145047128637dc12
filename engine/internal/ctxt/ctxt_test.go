// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package ctxt

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/driver/null"
)

func TestNew(t *testing.T) {
	c, err := New("NULL")
	require.NoError(t, err)
	require.NotNil(t, c.GPU())
	require.Equal(t, "null", c.Driver().Name())
	require.Equal(t, c.GPU().Limits(), *c.Limits())
	c.Close()
	require.Nil(t, c.GPU())

	_, err = New("no such driver")
	require.ErrorIs(t, err, driver.ErrNotRegistered)
}

func TestWith(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	scope := tally.NewTestScope("", nil)

	gpu := null.New()
	c := With(gpu, WithLogger(logger), WithScope(scope))
	require.Same(t, gpu, c.GPU().(*null.GPU))

	c.Log("graph").Debug("hello")
	require.Len(t, hook.Entries, 1)
	require.Equal(t, "graph", hook.LastEntry().Data["component"])

	c.Scope("deletion").Counter("destroyed").Inc(2)
	snap := scope.Snapshot().Counters()
	var found bool
	for _, cs := range snap {
		if cs.Name() == "deletion.destroyed" {
			found = true
			require.Equal(t, int64(2), cs.Value())
		}
	}
	require.True(t, found)

	require.Panics(t, func() { With(nil) })
}

func TestNewFence(t *testing.T) {
	gpu := null.New()
	f, err := With(gpu).NewFence()
	require.NoError(t, err)
	require.IsType(t, &null.Fence{}, f)

	var n int
	c := With(gpu, WithFences(func(u driver.GPU) (driver.Fence, error) {
		require.Same(t, gpu, u.(*null.GPU))
		n++
		return u.NewFence()
	}))
	for range 3 {
		_, err := c.NewFence()
		require.NoError(t, err)
	}
	require.Equal(t, 3, n)
}
