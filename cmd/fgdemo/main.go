// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Command fgdemo renders a number of frames of a small
// deferred pipeline and reports GPU pass timings.
//
// Configuration is read from an optional YAML file and
// from FRAMEGRAPH_* environment variables, in this order.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gogpu/gputypes"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gviegas/framegraph/driver"
	_ "github.com/gviegas/framegraph/driver/null"
	"github.com/gviegas/framegraph/engine"
	"github.com/gviegas/framegraph/engine/graph"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	frames     = flag.Int("frames", 60, "number of frames to render")
	verbose    = flag.Bool("v", false, "log pass recording")
	report     = flag.Bool("report", false, "print pass timings as YAML")
)

var passes = [...]string{"GBuffer", "Lighting", "Compose", "Readback"}

func main() {
	flag.Parse()
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}
	engine.SetLogger(logger)

	if err := run(logger); err != nil {
		logger.WithError(err).Error("fgdemo failed")
		os.Exit(1)
	}
}

func loadConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}
	return engine.ConfigFromEnv(cfg)
}

func run(logger *log.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.WithError(err).Warn("close")
		}
	}()

	// Shared across frames, so it goes through the
	// renderer's deletion queue rather than the graph.
	lights, err := r.NewTarget(&engine.TexParam{
		Format:  gputypes.TextureFormatRGBA16Float,
		Dim3D:   driver.Dim3D{Width: cfg.Width, Height: cfg.Height},
		Layers:  1,
		Levels:  1,
		Samples: 1,
	})
	if err != nil {
		return err
	}
	defer lights.Free()

	var checksum uint64
	for i := 0; i < *frames; i++ {
		err := r.Frame(func(f *engine.Frame) error {
			if err := deferred(f, cfg, lights); err != nil {
				return err
			}
			if f.Number()%16 != 0 {
				return nil
			}
			n := f.Number()
			return f.Readback(f.Target(), func(data []byte) {
				var sum uint64
				for _, b := range data {
					sum += uint64(b)
				}
				checksum += sum
				logger.WithFields(log.Fields{"frame": n, "sum": sum}).Debug("readback")
			})
		})
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}

	fields := log.Fields{"frames": *frames, "gpu": r.FrameTime(), "checksum": checksum}
	for _, p := range passes {
		fields[p] = r.PassTime(p).Duration
	}
	logger.WithFields(fields).Info("done")

	if *report {
		out := map[string]any{"frame_gpu": r.FrameTime().String()}
		times := map[string]string{}
		for _, p := range passes {
			times[p] = r.PassTime(p).Duration.String()
		}
		out["passes"] = times
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	}
	return nil
}

// deferred adds a geometry pass, a lighting pass and a
// composition pass to f.
func deferred(f *engine.Frame, cfg engine.Config, lights *engine.Texture) error {
	g := f.Graph()
	albedo, err := g.CreateTexture(graph.TexDesc{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Width:  cfg.Width,
		Height: cfg.Height,
		Usage:  driver.URenderTarget | driver.UShaderSample,
	})
	if err != nil {
		return err
	}
	depth, err := g.CreateTexture(graph.TexDesc{
		Format: gputypes.TextureFormatDepth32Float,
		Width:  cfg.Width,
		Height: cfg.Height,
		Usage:  driver.URenderTarget | driver.UShaderSample,
	})
	if err != nil {
		return err
	}
	tiles, err := g.CreateBuffer(graph.BufDesc{Size: 64 << 10, Usage: driver.UShaderRead | driver.UShaderWrite})
	if err != nil {
		return err
	}

	err = g.AddRenderPass("GBuffer", gputypes.Color{R: 0.8, G: 0.3, B: 0.1, A: 1}, graph.Graphics, func(g *graph.Graph) {
		g.BindRenderTarget(g.Texture(albedo), driver.LClear, driver.SStore, gputypes.Color{A: 1})
		g.BindDepthStencilTarget(g.Texture(depth), graph.DepthStencil{
			Load:       [2]driver.LoadOp{driver.LClear, driver.LDontCare},
			Store:      [2]driver.StoreOp{driver.SStore, driver.SDontCare},
			ClearDepth: 1,
		})
	}, func(pc *graph.PassContext) {
		pc.Cmd().Draw(36, 64, 0, 0)
	})
	if err != nil {
		return err
	}
	err = g.AddRenderPass("Lighting", gputypes.Color{R: 1, G: 0.9, A: 1}, graph.Compute, func(g *graph.Graph) {
		g.BindTexture(g.Texture(albedo), gputypes.ShaderStageCompute, 0)
		g.BindTexture(g.Texture(depth), gputypes.ShaderStageCompute, 1)
		g.BindRWStorageBuffer(g.Buffer(tiles), gputypes.ShaderStageCompute, 2)
		g.BindRWTexture(lights, gputypes.ShaderStageCompute, 3)
	}, func(pc *graph.PassContext) {
		pc.Cmd().Dispatch((cfg.Width+7)/8, (cfg.Height+7)/8, 1)
	})
	if err != nil {
		return err
	}
	return g.AddRenderPass("Compose", gputypes.Color{G: 0.5, B: 1, A: 1}, graph.Graphics, func(g *graph.Graph) {
		g.BindTexture(lights, gputypes.ShaderStageFragment, 0)
		g.BindRenderTarget(f.Target(), driver.LDontCare, driver.SStore, gputypes.Color{})
	}, func(pc *graph.PassContext) {
		pc.Cmd().Draw(3, 1, 0, 0)
	})
}
