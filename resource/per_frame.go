package resource

import (
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type PerFrameCreateInfo struct {
	ElementSize int
	Count       int
	Usage       core1_0.BufferUsageFlags
	Dynamic     bool
	Name        string
}

// PerFrameBuffer packs Count equally sized elements into one buffer, typically one per in-flight frame.
// Each element starts at a multiple of the device's minimum offset alignment for the buffer's usage, so
// any element can be bound as a uniform or storage buffer range.
type PerFrameBuffer struct {
	*Buffer

	elementSize int
	count       int
	stride      int
}

func NewPerFrameBuffer(ctx Context, info PerFrameCreateInfo) (*PerFrameBuffer, error) {
	if info.ElementSize <= 0 || info.Count <= 0 {
		return nil, errors.Newf("invalid per-frame layout of %d elements of %d bytes", info.Count, info.ElementSize)
	}
	if ctx.Device == nil {
		return nil, errors.New("resource context has no device")
	}

	stride := memutils.AlignUp(info.ElementSize, offsetAlignment(ctx.Device.Limits(), info.Usage))

	buffer, err := NewBuffer(ctx, BufferCreateInfo{
		Size:    stride * info.Count,
		Usage:   info.Usage,
		Dynamic: info.Dynamic,
		Name:    info.Name,
	})
	if err != nil {
		return nil, err
	}

	return &PerFrameBuffer{
		Buffer:      buffer,
		elementSize: info.ElementSize,
		count:       info.Count,
		stride:      stride,
	}, nil
}

// offsetAlignment is the minimum offset alignment the device requires when binding a range of a buffer with
// the given usage
func offsetAlignment(limits *core1_0.PhysicalDeviceLimits, usage core1_0.BufferUsageFlags) uint {
	alignment := uint(1)
	if usage&core1_0.BufferUsageUniformBuffer != 0 {
		alignment = memutils.MaxAlignment(alignment, uint(limits.MinUniformBufferOffsetAlignment))
	}
	if usage&core1_0.BufferUsageStorageBuffer != 0 {
		alignment = memutils.MaxAlignment(alignment, uint(limits.MinStorageBufferOffsetAlignment))
	}

	return alignment
}

func (p *PerFrameBuffer) ElementSize() int { return p.elementSize }
func (p *PerFrameBuffer) Count() int       { return p.count }
func (p *PerFrameBuffer) Stride() int      { return p.stride }

// Offset is the byte offset of element index within the buffer
func (p *PerFrameBuffer) Offset(index int) int {
	if index < 0 || index >= p.count {
		panic(errors.Newf("per-frame element %d is out of range [0, %d)", index, p.count))
	}

	return index * p.stride
}

// UpdateElement writes data to the start of element index
func (p *PerFrameBuffer) UpdateElement(index int, data []byte) error {
	if index < 0 || index >= p.count {
		return errors.Newf("per-frame element %d is out of range [0, %d)", index, p.count)
	}
	if len(data) > p.elementSize {
		return errors.Newf("%d bytes do not fit in a %d byte per-frame element", len(data), p.elementSize)
	}

	return p.update(p.Offset(index), data)
}
