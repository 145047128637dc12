// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobuffalo/envy"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, MaxFrame, cfg.Frames())
	cfg.DoubleBuffered = true
	require.Equal(t, 2, cfg.Frames())
}

func TestValidate(t *testing.T) {
	for _, x := range [...]struct {
		name string
		mod  func(*Config)
	}{
		{"size", func(c *Config) { c.Width = 0 }},
		{"deletion lists", func(c *Config) { c.DeletionLists = MaxFrame }},
		{"transfer lists", func(c *Config) { c.TransferLists = 1 }},
		{"capacity", func(c *Config) { c.TransferCapacity = 0 }},
		{"queries", func(c *Config) { c.QueriesPerFrame = 3 }},
		{"passes", func(c *Config) { c.MaxPasses = 0 }},
		{"timeout", func(c *Config) { c.FenceTimeout = 0 }},
	} {
		cfg := DefaultConfig()
		x.mod(&cfg)
		require.Error(t, cfg.Validate(), x.name)
	}

	// Fewer frames in flight need fewer lists.
	cfg := DefaultConfig()
	cfg.DoubleBuffered = true
	cfg.DeletionLists = 3
	cfg.TransferLists = 3
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framegraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: null
double_buffered: true
width: 640
height: 480
max_passes: 8
fence_timeout: 250ms
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "null", cfg.Driver)
	require.True(t, cfg.DoubleBuffered)
	require.Equal(t, 640, cfg.Width)
	require.Equal(t, 480, cfg.Height)
	require.Equal(t, 8, cfg.MaxPasses)
	require.Equal(t, 250*time.Millisecond, cfg.FenceTimeout)
	// Not in the file.
	require.Equal(t, dflQueriesPerFrame, cfg.QueriesPerFrame)

	for _, x := range [...]struct {
		line string
		want string
	}{
		{`driver: "vk"`, "vk"},
		{`driver: 'null'`, "null"},
		{`driver: NULL`, "null"},
		{`driver: ~`, ""},
		{`driver:`, ""},
	} {
		require.NoError(t, os.WriteFile(path, []byte(x.line+"\nwidth: 32\n"), 0o644))
		cfg, err := LoadConfig(path)
		require.NoError(t, err, x.line)
		require.Equal(t, x.want, cfg.Driver, x.line)
		require.Equal(t, 32, cfg.Width, x.line)
		require.Equal(t, dflHeight, cfg.Height, x.line)
	}

	require.NoError(t, os.WriteFile(path, []byte("width: -1\n"), 0o644))
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "invalid size")

	require.NoError(t, os.WriteFile(path, []byte("width: [\n"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigFromEnv(t *testing.T) {
	envy.Temp(func() {
		envy.Set(EnvDriver, "null")
		envy.Set(EnvWidth, "320")
		envy.Set(EnvDoubleBuffered, "true")
		envy.Set(EnvFenceTimeout, "2s")
		cfg, err := ConfigFromEnv(DefaultConfig())
		require.NoError(t, err)
		require.Equal(t, "null", cfg.Driver)
		require.Equal(t, 320, cfg.Width)
		require.Equal(t, dflHeight, cfg.Height)
		require.True(t, cfg.DoubleBuffered)
		require.Equal(t, 2*time.Second, cfg.FenceTimeout)
	})

	envy.Temp(func() {
		envy.Set(EnvMaxPasses, "many")
		base := DefaultConfig()
		cfg, err := ConfigFromEnv(base)
		require.ErrorContains(t, err, EnvMaxPasses)
		require.Equal(t, base, cfg)
	})

	envy.Temp(func() {
		envy.Set(EnvQueries, "2")
		_, err := ConfigFromEnv(DefaultConfig())
		require.ErrorContains(t, err, "too few queries")
	})
}
