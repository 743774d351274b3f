package resource

import (
	"context"
	"unsafe"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// BufferCreateInfo describes a buffer
type BufferCreateInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
	// Dynamic buffers live in host-visible, host-coherent memory and can be mapped. Other buffers live in
	// device-local memory and are written through a staging buffer.
	Dynamic bool
	// DeferAllocation leaves the buffer without memory until AllocateMemory is called
	DeferAllocation bool
	Name            string
}

type Buffer struct {
	ctx  Context
	info BufferCreateInfo

	buffer     gpu.Buffer
	allocation arena.Allocation
	state      State
	mapped     []byte

	staging      *Buffer
	stagingState StagingState
}

var _ Resource = &Buffer{}

// NewBuffer creates a buffer object. Unless info.DeferAllocation is set, memory is allocated and bound
// before it returns.
func NewBuffer(ctx Context, info BufferCreateInfo) (*Buffer, error) {
	ctx, err := ctx.validate(!info.Dynamic)
	if err != nil {
		return nil, err
	}
	if info.Size <= 0 {
		return nil, errors.Newf("invalid buffer size %d", info.Size)
	}

	if !info.Dynamic {
		info.Usage |= core1_0.BufferUsageTransferDst
	}

	buffer, _, err := ctx.Device.CreateBuffer(info.Size, info.Usage)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buffer %q", info.Name)
	}

	b := &Buffer{
		ctx:    ctx,
		info:   info,
		buffer: buffer,
	}

	if !info.Dynamic {
		b.staging, err = NewBuffer(ctx, BufferCreateInfo{
			Size:            info.Size,
			Usage:           core1_0.BufferUsageTransferSrc,
			Dynamic:         true,
			DeferAllocation: true,
			Name:            info.Name + " (staging)",
		})
		if err != nil {
			buffer.Destroy()
			return nil, err
		}
	}

	if !info.DeferAllocation {
		err = b.AllocateMemory()
		if err != nil {
			_ = b.Destroy()
			return nil, err
		}
	}

	return b, nil
}

func (b *Buffer) Buffer() gpu.Buffer              { return b.buffer }
func (b *Buffer) Size() int                       { return b.info.Size }
func (b *Buffer) Usage() core1_0.BufferUsageFlags { return b.info.Usage }
func (b *Buffer) Name() string                    { return b.info.Name }
func (b *Buffer) Mappable() bool                  { return b.info.Dynamic }
func (b *Buffer) State() State                    { return b.state }
func (b *Buffer) StagingState() StagingState      { return b.stagingState }
func (b *Buffer) Allocation() *arena.Allocation   { return &b.allocation }
func (b *Buffer) Staging() *Buffer                { return b.staging }

func (b *Buffer) AllocateMemory() error {
	b.ctx.Logger.Debug("Buffer::AllocateMemory", slog.String("name", b.info.Name))

	switch b.state {
	case StateDestroyed:
		return errors.Wrapf(ErrDestroyed, "failed to allocate memory for buffer %q", b.info.Name)
	case StateMemoryAllocated:
		return errors.Wrapf(ErrAlreadyAllocated, "failed to allocate memory for buffer %q", b.info.Name)
	}

	flags := core1_0.MemoryPropertyDeviceLocal
	if b.info.Dynamic {
		flags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	}

	_, err := b.ctx.Allocator.AllocateMemoryForBuffer(b.buffer, arena.AllocationCreateInfo{
		PropertyFlags: flags,
		Name:          b.info.Name,
	}, &b.allocation)
	if err != nil {
		return errors.Wrapf(err, "failed to allocate memory for buffer %q", b.info.Name)
	}
	b.state = StateMemoryAllocated

	if b.staging != nil {
		err = b.staging.AllocateMemory()
		if err != nil {
			return err
		}
		b.stagingState = StagingAllocated
	}

	b.ctx.Logger.LogAttrs(context.Background(), slog.LevelDebug, "buffer allocated",
		slog.String("name", b.info.Name),
		slog.Int("size", b.info.Size),
		slog.Int("offset", b.allocation.Offset()),
		slog.Bool("staged", b.staging != nil),
	)
	return nil
}

// Map returns the buffer's bytes. Only dynamic buffers can be mapped, and only once until Unmap.
func (b *Buffer) Map() ([]byte, error) {
	switch {
	case b.state == StateDestroyed:
		return nil, errors.Wrapf(ErrDestroyed, "failed to map buffer %q", b.info.Name)
	case !b.info.Dynamic:
		return nil, errors.Wrapf(ErrNotMappable, "failed to map buffer %q", b.info.Name)
	case b.state != StateMemoryAllocated:
		return nil, errors.Wrapf(ErrNotAllocated, "failed to map buffer %q", b.info.Name)
	case b.mapped != nil:
		return nil, errors.Wrapf(ErrAlreadyMapped, "failed to map buffer %q", b.info.Name)
	}

	ptr, _, err := b.allocation.Map()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map buffer %q", b.info.Name)
	}

	b.mapped = unsafe.Slice((*byte)(ptr), b.info.Size)
	return b.mapped, nil
}

func (b *Buffer) Unmap() error {
	if b.mapped == nil {
		return errors.Wrapf(ErrNotMapped, "failed to unmap buffer %q", b.info.Name)
	}

	b.mapped = nil
	return b.allocation.Unmap()
}

// Update writes data to the start of the buffer. For buffers in device-local memory, it returns once the
// copy out of staging has completed on the device. Empty data records nothing.
func (b *Buffer) Update(data []byte) error {
	return b.update(0, data)
}

func (b *Buffer) update(offset int, data []byte) error {
	b.ctx.Logger.Debug("Buffer::Update", slog.String("name", b.info.Name), slog.Int("offset", offset), slog.Int("bytes", len(data)))

	if b.state == StateDestroyed {
		return errors.Wrapf(ErrDestroyed, "failed to update buffer %q", b.info.Name)
	}
	if b.state != StateMemoryAllocated {
		return errors.Wrapf(ErrNotAllocated, "failed to update buffer %q", b.info.Name)
	}
	if offset < 0 || offset+len(data) > b.info.Size {
		return errors.Newf("update of %d bytes at offset %d overruns buffer %q of %d bytes", len(data), offset, b.info.Name, b.info.Size)
	}
	if len(data) == 0 {
		return nil
	}

	if b.info.Dynamic {
		return writeMapped(b, offset, data)
	}

	err := writeMapped(b.staging, offset, data)
	if err != nil {
		return err
	}
	b.stagingState = StagingWritten

	return upload(b.ctx.Transfer, func(commandBuffer gpu.CommandBuffer) error {
		return commandBuffer.CopyBuffer(b.staging.buffer, b.buffer, []core1_0.BufferCopy{
			{SrcOffset: offset, DstOffset: offset, Size: len(data)},
		})
	}, &b.stagingState)
}

func writeMapped(b *Buffer, offset int, data []byte) error {
	mapped, err := b.Map()
	if err != nil {
		return err
	}

	copy(mapped[offset:], data)
	return b.Unmap()
}

// Destroy destroys the buffer object and then releases its memory, doing the same for the staging buffer
// afterwards. Destroying a buffer twice returns ErrDestroyed.
func (b *Buffer) Destroy() error {
	b.ctx.Logger.Debug("Buffer::Destroy", slog.String("name", b.info.Name))

	if b.state == StateDestroyed {
		return errors.Wrapf(ErrDestroyed, "failed to destroy buffer %q", b.info.Name)
	}

	var outErr error
	if b.mapped != nil {
		outErr = b.Unmap()
	}

	b.buffer.Destroy()
	if b.state == StateMemoryAllocated {
		b.allocation.Free()
	}
	b.state = StateDestroyed

	if b.staging != nil {
		err := b.staging.Destroy()
		outErr = errors.CombineErrors(outErr, err)
		b.stagingState = StagingNone
	}

	return outErr
}
