// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/framegraph/driver"
)

var errNoDeletion = errors.New("graph: transient resources require a deletion queue")

// TexID identifies a transient texture within a build.
type TexID int

// BufID identifies a transient buffer within a build.
type BufID int

// TexDesc describes a transient texture.
type TexDesc struct {
	Format  gputypes.TextureFormat
	Width   int
	Height  int
	Layers  int
	Levels  int
	Samples int
	Usage   driver.Usage
}

// BufDesc describes a transient buffer.
type BufDesc struct {
	Size    int64
	Visible bool
	Usage   driver.Usage
}

// transientTexture is a Texture whose contents do not
// outlive the build. It has no resting layout, so its
// last use leaves it in the layout of that use.
type transientTexture struct {
	img    driver.Image
	pf     gputypes.TextureFormat
	layers int
	levels int
}

func (t *transientTexture) Image() driver.Image            { return t.img }
func (t *transientTexture) Format() gputypes.TextureFormat { return t.pf }
func (t *transientTexture) Layers() int                    { return t.layers }
func (t *transientTexture) Levels() int                    { return t.levels }
func (t *transientTexture) Layout() driver.Layout          { return driver.LUndefined }

// CreateTexture creates a texture that is valid until
// End. It can be bound to any pass of the current build.
func (g *Graph) CreateTexture(desc TexDesc) (TexID, error) {
	if g.state != recording {
		panic("graph: CreateTexture called outside of a build")
	}
	if g.del == nil {
		return -1, errNoDeletion
	}
	desc.Layers = max(desc.Layers, 1)
	desc.Levels = max(desc.Levels, 1)
	desc.Samples = max(desc.Samples, 1)
	lim := g.ctx.Limits()
	var reason string
	switch {
	case desc.Width < 1 || desc.Height < 1:
		reason = "size"
	case desc.Width > lim.MaxImage2D || desc.Height > lim.MaxImage2D:
		reason = "size too large"
	case desc.Layers > lim.MaxLayers:
		reason = "too many layers"
	case desc.Samples > 1 && desc.Levels > 1:
		reason = "multisample with mipmaps"
	}
	if reason != "" {
		return -1, fmt.Errorf("graph: invalid transient texture: %s", reason)
	}
	img, err := g.ctx.GPU().NewImage(desc.Format, driver.Dim3D{Width: desc.Width, Height: desc.Height, Depth: 1}, desc.Layers, desc.Levels, desc.Samples, desc.Usage)
	if err != nil {
		return -1, err
	}
	g.transTex = append(g.transTex, &transientTexture{img, desc.Format, desc.Layers, desc.Levels})
	return TexID(len(g.transTex) - 1), nil
}

// Texture returns the transient texture identified by id.
func (g *Graph) Texture(id TexID) Texture { return g.transTex[id] }

// CreateBuffer creates a buffer that is valid until End.
func (g *Graph) CreateBuffer(desc BufDesc) (BufID, error) {
	if g.state != recording {
		panic("graph: CreateBuffer called outside of a build")
	}
	if g.del == nil {
		return -1, errNoDeletion
	}
	if desc.Size < 1 {
		return -1, errors.New("graph: invalid transient buffer size")
	}
	buf, err := g.ctx.GPU().NewBuffer(desc.Size, desc.Visible, desc.Usage)
	if err != nil {
		return -1, err
	}
	g.transBuf = append(g.transBuf, buf)
	return BufID(len(g.transBuf) - 1), nil
}

// Buffer returns the transient buffer identified by id.
func (g *Graph) Buffer(id BufID) driver.Buffer { return g.transBuf[id] }
