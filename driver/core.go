// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"time"

	"github.com/gogpu/gputypes"
)

// GPU is the main interface to an underlying driver
// implementation.
// It is used to create other types and to execute commands.
// A GPU is obtained from a call to Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Commit commits a work item to the GPU for execution.
	// The order of command buffers in wk.Work is meaningful,
	// since they execute in sequence on a single queue.
	// This method sends wk to ch when all commands complete
	// execution, with wk.Err set to the result. Command
	// buffers in wk.Work cannot be used for recording until
	// then.
	// Commit returns an error only when the work item could
	// not be submitted at all, in which case nothing is sent
	// to ch.
	Commit(wk *WorkItem, ch chan<- *WorkItem) error

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewBuffer creates a new buffer.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// NewImage creates a new image.
	NewImage(pf gputypes.TextureFormat, size Dim3D, layers, levels, samples int, usg Usage) (Image, error)

	// NewFence creates a new fence.
	// The fence starts unsignaled.
	NewFence() (Fence, error)

	// NewQueryPool creates a new pool of n timestamp
	// queries.
	NewQueryPool(n int) (QueryPool, error)

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// WorkItem is a batch of command buffers to be committed
// for execution.
type WorkItem struct {
	Work []CmdBuffer
	// Err is set by the GPU when execution completes.
	Err error
	// Custom is not interpreted by the GPU.
	Custom any
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface that defines a command buffer.
// Commands are recorded into command buffers and later
// committed to the GPU for execution. The usage is as
// follows:
// First, call Begin to prepare the command buffer for
// recording. Then, if it succeeds:
//
//  1. call Transition/Barrier as needed
//  2. call BeginRenderPass with a pass descriptor
//  3. call Set* methods to bind resources
//  4. call Draw*, Dispatch or Copy* commands
//  5. call EndRenderPass
//  6. repeat 1-5 as needed
//
// Finally, call End and, if it succeeds, GPU.Commit.
// Render passes must not be nested.
// Timestamp and query commands may be recorded anywhere
// outside of a render pass.
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	// This method must be called before any command
	// is recorded in the command buffer. It needs to
	// be called again if the command buffer is
	// executed or reset.
	Begin() error

	// IsRecording returns whether the command buffer
	// has begun and has not ended yet.
	IsRecording() bool

	// BeginRenderPass begins a render pass.
	// The Begin transitions in desc are issued before
	// the pass starts, and the color/depth targets are
	// moved from their Before layout to their Layout.
	BeginRenderPass(desc *PassDesc)

	// EndRenderPass ends the current render pass.
	// The targets are moved to their After layout and
	// the End transitions of the pass descriptor are
	// issued.
	EndRenderPass()

	// SetTexture binds an image to a shader slot.
	// If write is set, the image is bound for
	// read/write access.
	SetTexture(slot int, img Image, write bool)

	// SetBuffer binds a buffer to a shader slot.
	// If write is set, the buffer is bound for
	// read/write access.
	SetBuffer(slot int, buf Buffer, write bool)

	// Draw draws primitives.
	// It must only be called during a graphics pass.
	Draw(vertCount, instCount, baseVert, baseInst int)

	// DrawIndexed draws indexed primitives.
	// It must only be called during a graphics pass.
	DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int)

	// Dispatch dispatches compute thread groups.
	// It must only be called during a compute pass.
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// CopyBuffer copies data between buffers.
	CopyBuffer(param *BufferCopy)

	// CopyImgToBuf copies data from an image to
	// a buffer.
	CopyImgToBuf(param *BufImgCopy)

	// Barrier inserts a number of global barriers
	// in the command buffer.
	Barrier(b []Barrier)

	// Transition inserts a number of image layout
	// transitions in the command buffer.
	Transition(t []Transition)

	// Timestamp writes the GPU time into query q of
	// pool.
	Timestamp(pool QueryPool, q int)

	// ResetQueries resets n queries of pool, starting
	// at first.
	ResetQueries(pool QueryPool, first, n int)

	// ResolveQueries makes the results of n queries of
	// pool, starting at first, available to the CPU once
	// the command buffer completes execution.
	ResolveQueries(pool QueryPool, first, n int)

	// End ends command recording and prepares the
	// command buffer for execution.
	// New recordings are not allowed until the
	// command buffer is executed or reset.
	// Upon failure, the command buffer is reset.
	End() error

	// Reset discards all recorded commands from the
	// command buffer.
	Reset() error
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// BufImgCopy describes the parameters of a copy command
// that copies data between a buffer and an image.
type BufImgCopy struct {
	Buf    Buffer
	BufOff int64
	// Stride specifies the addressing of image data
	// in the buffer. It is given in pixels.
	// Stride[0] refers to the row length and Stride[1]
	// refers to the image height.
	Stride [2]int
	Img    Image
	ImgOff Off3D
	Layer  int
	Level  int
	Size   Dim3D
	Layers int
	// DepthCopy selects either the depth or stencil
	// aspects to copy. It is only used if Img has a
	// combined depth/stencil format.
	DepthCopy bool
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SVertexInput Sync = 1 << iota
	SVertexShading
	SFragmentShading
	SComputeShading
	SColorOutput
	SDSOutput
	SDraw
	SResolve
	SCopy
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	AVertexBufRead Access = 1 << iota
	AIndexBufRead
	AIndirectRead
	AColorRead
	AColorWrite
	ADSRead
	ADSWrite
	AResolveRead
	AResolveWrite
	ACopyRead
	ACopyWrite
	AShaderRead
	AShaderWrite
	AAnyRead
	AAnyWrite
	ANone Access = 0
)

// Layout is the type of an image layout.
type Layout int

// Image layouts.
const (
	LUndefined Layout = iota
	LCommon
	LColorTarget
	LDSTarget
	LDSRead
	// Depth is read-only while stencil is writable.
	LDepthReadStencilWrite
	// Depth is writable while stencil is read-only.
	LDepthWriteStencilRead
	LResolveSrc
	LResolveDst
	LCopySrc
	LCopyDst
	LShaderRead
	LShaderStore
	LPresent
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LUndefined:
		return "Undefined"
	case LCommon:
		return "Common"
	case LColorTarget:
		return "ColorTarget"
	case LDSTarget:
		return "DSTarget"
	case LDSRead:
		return "DSRead"
	case LDepthReadStencilWrite:
		return "DepthReadStencilWrite"
	case LDepthWriteStencilRead:
		return "DepthWriteStencilRead"
	case LResolveSrc:
		return "ResolveSrc"
	case LResolveDst:
		return "ResolveDst"
	case LCopySrc:
		return "CopySrc"
	case LCopyDst:
		return "CopyDst"
	case LShaderRead:
		return "ShaderRead"
	case LShaderStore:
		return "ShaderStore"
	case LPresent:
		return "Present"
	}
	return "Layout(?)"
}

// Barrier represents a synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// Transition represents a layout transition on a
// specific image subresource.
type Transition struct {
	Barrier

	LayoutBefore Layout
	LayoutAfter  Layout
	Img          Image
	Layer        int
	Layers       int
	Level        int
	Levels       int
}

// BufTransition represents a barrier on a specific
// buffer range.
// A Size of zero means the whole buffer.
type BufTransition struct {
	Barrier

	Buf  Buffer
	Off  int64
	Size int64
}

// LoadOp is the type of a render target's load operation.
type LoadOp int

// Load operations.
const (
	LDontCare LoadOp = iota
	LClear
	LLoad
)

// StoreOp is the type of a render target's store operation.
type StoreOp int

// Store operations.
const (
	SDontCare StoreOp = iota
	SStore
)

// ColorTarget describes a color render target of a
// render pass.
type ColorTarget struct {
	Img    Image
	Layer  int
	Level  int
	Load   LoadOp
	Store  StoreOp
	Clear  gputypes.Color
	Before Layout
	Layout Layout
	After  Layout
}

// DSTarget describes the depth/stencil render target of
// a render pass.
// In the Load and Store arrays, [0] is for depth and [1]
// is for stencil.
type DSTarget struct {
	Img          Image
	Layer        int
	Level        int
	Load         [2]LoadOp
	Store        [2]StoreOp
	ClearDepth   float32
	ClearStencil uint32
	Before       Layout
	Layout       Layout
	After        Layout
}

// PassDesc describes a render pass.
// Compute passes have no render targets.
// The Begin lists are issued when the pass begins and the
// End lists when it ends.
type PassDesc struct {
	Name     string
	Compute  bool
	Color    []ColorTarget
	DS       *DSTarget
	Begin    []Transition
	BeginBuf []BufTransition
	End      []Transition
	EndBuf   []BufTransition
}

// FenceResult is the type of a fence query result.
type FenceResult int

// Fence results.
const (
	FSuccess FenceResult = iota
	FWaiting
	FTimeout
	FError
)

// String implements fmt.Stringer.
func (r FenceResult) String() string {
	switch r {
	case FSuccess:
		return "Success"
	case FWaiting:
		return "Waiting"
	case FTimeout:
		return "Timeout"
	}
	return "Error"
}

// Fence is the interface that defines a GPU-to-CPU
// synchronization primitive.
// A fence is unsignaled until the GPU completes every
// command committed before the fence's Signal call.
type Fence interface {
	Destroyer

	// Signal requests the fence to be signaled once all
	// previously committed work completes.
	Signal() error

	// Reset sets the fence to the unsignaled state.
	// It must not be called while a signal is pending.
	Reset() error

	// Status returns FSuccess if the fence is signaled
	// and FWaiting otherwise. It does not block.
	Status() FenceResult

	// Wait blocks until the fence is signaled or the
	// timeout expires.
	Wait(timeout time.Duration) FenceResult
}

// QueryPool is the interface that defines a set of GPU
// timestamp queries.
type QueryPool interface {
	Destroyer

	// Len returns the number of queries in the pool.
	Len() int

	// Timestamp returns the resolved value of query i, in
	// GPU ticks (see Limits.TimestampPeriod).
	// It returns false if the query has no resolved value.
	Timestamp(i int) (uint64, bool)
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	// The resource can be read in shaders.
	UShaderRead Usage = 1 << iota
	// The resource can be written in shaders.
	UShaderWrite
	// The resource can provide constant data for shaders.
	// Valid only for Buffer.
	UShaderConst
	// The resource can be sampled in shaders.
	// Valid only for Image.
	UShaderSample
	// The resource can provide vertex data for draw calls.
	// Valid only for Buffer.
	UVertexData
	// The resource can provide index data for draw calls.
	// Valid only for Buffer.
	UIndexData
	// The resource can provide indirect draw/dispatch
	// arguments.
	// Valid only for Buffer.
	UIndirect
	// The resource can be used as render target.
	// Valid only for Image.
	URenderTarget
	// The resource can be the source of copy commands.
	UCopySrc
	// The resource can be the destination of copy commands.
	UCopyDst
	// The resource can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed. When a larger buffer
// is necessary, a new one must be created and the data
// must be copied explicitly.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Cap referring to the
	// underlying data. If the buffer is not host visible,
	// it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes,
	// which may be greater than the size requested during
	// buffer creation.
	// This value is immutable.
	Cap() int64
}

// Dim3D is a three-dimensional size.
type Dim3D struct {
	Width, Height, Depth int
}

// Off3D is a three-dimensional offset.
type Off3D struct {
	X, Y, Z int
}

// Image is the interface that defines a GPU image.
// Direct access to image memory is not provided, so copying
// data from an image to the CPU requires the use of a
// host-visible buffer.
type Image interface {
	Destroyer
}

// TexelSize returns the size in bytes of a texel of pf.
// Block-compressed formats yield 0.
func TexelSize(pf gputypes.TextureFormat) int {
	switch pf {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint,
		gputypes.TextureFormatStencil8:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRG8Snorm, gputypes.TextureFormatRG8Uint,
		gputypes.TextureFormatRG8Sint, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint, gputypes.TextureFormatRGBA16Unorm,
		gputypes.TextureFormatRGBA16Snorm, gputypes.TextureFormatRGBA16Uint,
		gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float,
		gputypes.TextureFormatDepth32FloatStencil8:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16
	case gputypes.TextureFormatUndefined:
		return 0
	}
	if pf >= gputypes.TextureFormatBC1RGBAUnorm {
		return 0
	}
	return 4
}

// Limits describes implementation limits.
// These may vary across drivers and devices.
type Limits struct {
	// Maximum width and height of 2D images.
	MaxImage2D int
	// Maximum number of layers in an image.
	MaxLayers int
	// Maximum number of color render targets in a
	// render pass.
	MaxColorTargets int
	// Maximum number of shader binding slots of each
	// kind.
	MaxSlots int
	// Maximum number of queries in a query pool.
	MaxQueries int
	// Number of nanoseconds per timestamp tick.
	TimestampPeriod float64
	// Maximum dipatch count.
	MaxDispatch [3]int
}
