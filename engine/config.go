// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gobuffalo/envy"
	"gopkg.in/yaml.v3"
)

// The maximum size of a configuration file.
const maxConfigSize = 1 << 20

// LoadConfig reads a YAML configuration file.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	info, err := os.Stat(path)
	if err != nil {
		return cfg, err
	}
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("engine: config file %s too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("engine: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w (in %s)", err, path)
	}
	Logger().WithField("path", path).Debug("config loaded")
	return cfg, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
// A plain `driver: null` names the null driver rather than
// leaving the driver unset; `driver: ~` and an empty value
// still mean any driver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if k.Value != "driver" || v.Kind != yaml.ScalarNode || v.ShortTag() != "!!null" {
			continue
		}
		if v.Value != "" && v.Value != "~" {
			c.Driver = strings.ToLower(v.Value)
		}
	}
	return nil
}

// Environment variables read by ConfigFromEnv.
const (
	EnvDriver         = "FRAMEGRAPH_DRIVER"
	EnvDoubleBuffered = "FRAMEGRAPH_DOUBLE_BUFFERED"
	EnvWidth          = "FRAMEGRAPH_WIDTH"
	EnvHeight         = "FRAMEGRAPH_HEIGHT"
	EnvQueries        = "FRAMEGRAPH_QUERIES_PER_FRAME"
	EnvMaxPasses      = "FRAMEGRAPH_MAX_PASSES"
	EnvFenceTimeout   = "FRAMEGRAPH_FENCE_TIMEOUT"
)

// ConfigFromEnv returns base with the values set in the
// environment (or in a .env file) applied on top.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	cfg.Driver = envy.Get(EnvDriver, cfg.Driver)
	if s := envy.Get(EnvDoubleBuffered, ""); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return base, fmt.Errorf("engine: %s: %w", EnvDoubleBuffered, err)
		}
		cfg.DoubleBuffered = b
	}
	for _, x := range [...]struct {
		key string
		dst *int
	}{
		{EnvWidth, &cfg.Width},
		{EnvHeight, &cfg.Height},
		{EnvQueries, &cfg.QueriesPerFrame},
		{EnvMaxPasses, &cfg.MaxPasses},
	} {
		s := envy.Get(x.key, "")
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return base, fmt.Errorf("engine: %s: %w", x.key, err)
		}
		*x.dst = n
	}
	if s := envy.Get(EnvFenceTimeout, ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return base, fmt.Errorf("engine: %s: %w", EnvFenceTimeout, err)
		}
		cfg.FenceTimeout = d
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
