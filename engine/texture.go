// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"errors"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/framegraph/driver"
	"github.com/gviegas/framegraph/engine/graph"
)

const texPrefix = "texture: "

// Texture wraps a driver.Image.
// It implements graph.Texture.
type Texture struct {
	img   driver.Image
	usage driver.Usage
	param TexParam
	// Layout that the image is in between passes.
	layout driver.Layout
	r      *Renderer
}

// TexParam describes parameters of a texture.
type TexParam struct {
	Format gputypes.TextureFormat
	driver.Dim3D
	Layers  int
	Levels  int
	Samples int
}

// validate checks param against the GPU limits.
func (param *TexParam) validate(limits *driver.Limits) error {
	var reason string
	switch {
	case param == nil:
		reason = "nil param"
	case param.Format == gputypes.TextureFormatUndefined:
		reason = "undefined format"
	case param.Width < 1, param.Height < 1, param.Depth != 0:
		reason = "invalid size"
	case param.Width > limits.MaxImage2D, param.Height > limits.MaxImage2D:
		reason = "size too big"
	case param.Layers < 1:
		reason = "invalid layer count"
	case param.Layers > limits.MaxLayers:
		reason = "too many layers"
	case param.Levels < 1, param.Levels > ComputeLevels(param.Dim3D):
		reason = "invalid level count"
	case param.Samples < 1, param.Samples&(param.Samples-1) != 0:
		reason = "invalid sample count"
	case param.Levels > 1 && param.Samples != 1:
		reason = "multi-sample mipmap"
	default:
		return nil
	}
	return errors.New(texPrefix + reason)
}

// New2D creates a 2D texture that is sampled in shaders
// and may be the source or destination of copies.
// Between passes, it rests in the driver.LShaderRead
// layout.
func (r *Renderer) New2D(param *TexParam) (*Texture, error) {
	usage := driver.UCopySrc | driver.UCopyDst | driver.UShaderSample
	return r.newTexture(param, usage, driver.LShaderRead)
}

// NewTarget creates a texture that can be used as render
// target.
// Depth/stencil textures rest in the driver.LDSRead layout
// and color textures rest in the driver.LShaderRead
// layout.
func (r *Renderer) NewTarget(param *TexParam) (*Texture, error) {
	usage := driver.UCopySrc | driver.UShaderSample | driver.URenderTarget
	layout := driver.LShaderRead
	if param != nil && param.Format.IsDepthStencil() {
		layout = driver.LDSRead
	}
	return r.newTexture(param, usage, layout)
}

func (r *Renderer) newTexture(param *TexParam, usage driver.Usage, layout driver.Layout) (*Texture, error) {
	if err := param.validate(r.ctx.Limits()); err != nil {
		return nil, err
	}
	size := param.Dim3D
	size.Depth = 1
	img, err := r.ctx.GPU().NewImage(param.Format, size, param.Layers, param.Levels, param.Samples, usage)
	if err != nil {
		return nil, err
	}
	t := &Texture{img, usage, *param, layout, r}
	if err := r.settle(t); err != nil {
		img.Destroy()
		return nil, err
	}
	return t, nil
}

// settle moves every subresource of t from
// driver.LUndefined to its resting layout and waits for
// the GPU to finish.
func (r *Renderer) settle(t *Texture) error {
	cb := r.xferCB
	if err := cb.Begin(); err != nil {
		return err
	}
	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore:   driver.SNone,
			SyncAfter:    driver.SAll,
			AccessBefore: driver.ANone,
			AccessAfter:  driver.AAnyRead,
		},
		LayoutBefore: driver.LUndefined,
		LayoutAfter:  t.layout,
		Img:          t.img,
		Layers:       t.param.Layers,
		Levels:       t.param.Levels,
	}})
	if err := cb.End(); err != nil {
		return err
	}
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{cb}}
	if err := r.ctx.GPU().Commit(wk, r.xferCh); err != nil {
		cb.Reset()
		return err
	}
	return (<-r.xferCh).Err
}

// Image returns the underlying driver.Image.
func (t *Texture) Image() driver.Image { return t.img }

// Width returns the texture's width.
func (t *Texture) Width() int { return t.param.Width }

// Height returns the texture's height.
func (t *Texture) Height() int { return t.param.Height }

// Layers returns the number of layers in the texture.
func (t *Texture) Layers() int { return t.param.Layers }

// Levels returns the number of mip levels in the texture.
func (t *Texture) Levels() int { return t.param.Levels }

// Samples returns the number of samples in the texture.
func (t *Texture) Samples() int { return t.param.Samples }

// Format returns the texture's format.
func (t *Texture) Format() gputypes.TextureFormat { return t.param.Format }

// Usage returns the texture's usage.
func (t *Texture) Usage() driver.Usage { return t.usage }

// Layout returns the layout that the texture is in
// between passes.
func (t *Texture) Layout() driver.Layout { return t.layout }

// Free schedules the texture's image for destruction once
// the GPU is done with the current frame.
func (t *Texture) Free() {
	if t.img == nil {
		return
	}
	t.r.Destroy(t.img)
	*t = Texture{}
}

var _ graph.Texture = &Texture{}

// ComputeLevels computes the maximum number of mip levels
// for the given size.
func ComputeLevels(size driver.Dim3D) int {
	x := max(size.Width, size.Height, size.Depth)
	var l int
	for ; x > 0; l++ {
		x /= 2
	}
	return l
}
