package resource

import (
	"bytes"
	"testing"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/gpu/gputest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func readyContext(t *testing.T) (*gputest.Device, Context) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	return device, contextFor(t, device)
}

func contextFor(t *testing.T, device gpu.Device) Context {
	allocator, err := arena.New(nil, device, arena.CreateOptions{})
	require.NoError(t, err)

	transfer, err := command.NewPool(nil, device, command.CreateOptions{Transient: true})
	require.NoError(t, err)
	require.NoError(t, transfer.SetQueue(device.GetQueue(0, 0)))

	return Context{
		Device:    device,
		Allocator: allocator,
		Transfer:  transfer,
	}
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestBuffer_StaticUpdateRoundTrip(t *testing.T) {
	device, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{
		Size:  64,
		Usage: core1_0.BufferUsageVertexBuffer,
		Name:  "vertices",
	})
	require.NoError(t, err)
	require.False(t, buffer.Mappable())
	require.Equal(t, StateMemoryAllocated, buffer.State())
	require.Equal(t, StagingAllocated, buffer.StagingState())
	require.Equal(t, gputest.DeviceLocalTypeIndex, buffer.Allocation().MemoryTypeIndex())
	require.NotZero(t, buffer.Usage()&core1_0.BufferUsageTransferDst)

	staging := buffer.Staging()
	require.NotNil(t, staging)
	require.True(t, staging.Mappable())
	require.Equal(t, core1_0.BufferUsageTransferSrc, staging.Usage())
	require.Equal(t, 64, staging.Size())
	require.Equal(t, gputest.HostCoherentTypeIndex, staging.Allocation().MemoryTypeIndex())

	data := pattern(64)
	require.NoError(t, buffer.Update(data))

	require.Equal(t, StagingIdle, buffer.StagingState())
	require.Equal(t, 0, device.PendingSubmissions())
	require.Equal(t, 1, device.CompletedSubmissions())
	require.Equal(t, data, buffer.Buffer().(*gputest.Buffer).Contents())
	require.Empty(t, device.ValidationErrors())

	// A second upload reuses the transfer unit
	require.NoError(t, buffer.Update(bytes.Repeat([]byte{0xAB}, 64)))
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 64), buffer.Buffer().(*gputest.Buffer).Contents())
	require.Equal(t, 1, ctx.Transfer.UnitCount())

	_, err = buffer.Map()
	require.True(t, errors.Is(err, ErrNotMappable))
}

func TestBuffer_EmptyUpdateRecordsNothing(t *testing.T) {
	device, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{
		Size:  64,
		Usage: core1_0.BufferUsageVertexBuffer,
	})
	require.NoError(t, err)

	require.NoError(t, buffer.Update(nil))
	require.NoError(t, buffer.Update([]byte{}))
	require.Equal(t, 0, device.PendingSubmissions())
	require.Equal(t, 0, device.CompletedSubmissions())
	require.Equal(t, StagingAllocated, buffer.StagingState())
	require.False(t, buffer.Staging().Allocation().Mapped())
	require.Equal(t, 0, ctx.Transfer.UnitCount())

	perFrame, err := NewPerFrameBuffer(ctx, PerFrameCreateInfo{
		ElementSize: 16,
		Count:       2,
		Usage:       core1_0.BufferUsageUniformBuffer,
	})
	require.NoError(t, err)
	require.NoError(t, perFrame.UpdateElement(1, nil))
	require.Equal(t, 0, device.CompletedSubmissions())
	require.Error(t, perFrame.UpdateElement(2, nil))

	require.NoError(t, perFrame.Destroy())
	require.NoError(t, buffer.Destroy())
	require.True(t, errors.Is(buffer.Update(nil), ErrDestroyed))
	require.Empty(t, device.ValidationErrors())
}

func TestBuffer_DynamicUpdateWritesDirectly(t *testing.T) {
	device, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{
		Size:    32,
		Usage:   core1_0.BufferUsageUniformBuffer,
		Dynamic: true,
	})
	require.NoError(t, err)
	require.Nil(t, buffer.Staging())
	require.Equal(t, StagingNone, buffer.StagingState())
	require.Zero(t, buffer.Usage()&core1_0.BufferUsageTransferDst)

	data := pattern(32)
	require.NoError(t, buffer.Update(data))
	require.Equal(t, data, buffer.Buffer().(*gputest.Buffer).Contents())
	require.Equal(t, 0, device.CompletedSubmissions())

	require.Error(t, buffer.Update(pattern(33)))
}

func TestBuffer_MapExclusivity(t *testing.T) {
	_, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{Size: 16, Dynamic: true})
	require.NoError(t, err)

	mapped, err := buffer.Map()
	require.NoError(t, err)
	require.Len(t, mapped, 16)
	copy(mapped, "mapped contents!")

	second, err := buffer.Map()
	require.True(t, errors.Is(err, ErrAlreadyMapped))
	require.Nil(t, second)

	require.NoError(t, buffer.Unmap())
	require.True(t, errors.Is(buffer.Unmap(), ErrNotMapped))

	third, err := buffer.Map()
	require.NoError(t, err)
	require.Equal(t, []byte("mapped contents!"), third)
	require.NoError(t, buffer.Unmap())
}

func TestBuffer_DeferredAllocation(t *testing.T) {
	device, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{Size: 128, DeferAllocation: true})
	require.NoError(t, err)
	require.Equal(t, StateUninitialized, buffer.State())
	require.Equal(t, StagingNone, buffer.StagingState())
	require.Equal(t, 0, device.LiveAllocations())
	require.False(t, buffer.Allocation().Live())
	require.Equal(t, -1, buffer.Allocation().ArenaID())
	require.Nil(t, buffer.Allocation().Memory())
	require.False(t, buffer.Staging().Allocation().Live())

	require.True(t, errors.Is(buffer.Update(pattern(128)), ErrNotAllocated))

	require.NoError(t, buffer.AllocateMemory())
	require.True(t, errors.Is(buffer.AllocateMemory(), ErrAlreadyAllocated))
	require.Equal(t, StagingAllocated, buffer.StagingState())
	require.NoError(t, buffer.Update(pattern(128)))
}

func TestBuffer_DestroyReleasesEverything(t *testing.T) {
	device, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{Size: 256})
	require.NoError(t, err)
	require.Equal(t, 2, device.LiveBuffers())
	require.Equal(t, 2, ctx.Allocator.AllocationCount())

	primary := buffer.Buffer().(*gputest.Buffer)
	staging := buffer.Staging().Buffer().(*gputest.Buffer)

	require.NoError(t, buffer.Destroy())
	require.Equal(t, StateDestroyed, buffer.State())
	require.Equal(t, StateDestroyed, buffer.Staging().State())
	require.True(t, primary.Destroyed())
	require.True(t, staging.Destroyed())
	require.Equal(t, 0, device.LiveBuffers())
	require.Equal(t, 0, ctx.Allocator.AllocationCount())
	require.False(t, buffer.Allocation().Live())

	require.True(t, errors.Is(buffer.Destroy(), ErrDestroyed))
	require.True(t, errors.Is(buffer.Update(pattern(4)), ErrDestroyed))
	require.True(t, errors.Is(buffer.AllocateMemory(), ErrDestroyed))
	_, err = buffer.Map()
	require.True(t, errors.Is(err, ErrDestroyed))

	require.NoError(t, ctx.Allocator.ReleaseAll())
	require.Empty(t, device.ValidationErrors())
}

func TestBuffer_DestroyUnmapsFirst(t *testing.T) {
	_, ctx := readyContext(t)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{Size: 16, Dynamic: true})
	require.NoError(t, err)
	_, err = buffer.Map()
	require.NoError(t, err)

	memory := buffer.Allocation().Memory().(*gputest.Memory)
	require.True(t, memory.Mapped())

	require.NoError(t, buffer.Destroy())
	require.False(t, memory.Mapped())
}

// destroyOrderDevice records whether a buffer's allocation was still live when the buffer object was
// destroyed
type destroyOrderDevice struct {
	*gputest.Device
	buffers []*destroyOrderBuffer
}

type destroyOrderBuffer struct {
	gpu.Buffer
	allocation           *arena.Allocation
	liveAtDestroy        bool
	stagingLiveAtDestroy bool
	staging              *Buffer
}

func (b *destroyOrderBuffer) Destroy() {
	b.liveAtDestroy = b.allocation.Live()
	if b.staging != nil {
		b.stagingLiveAtDestroy = b.staging.Allocation().Live()
	}
	b.Buffer.Destroy()
}

func (d *destroyOrderDevice) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpu.Buffer, common.VkResult, error) {
	buffer, res, err := d.Device.CreateBuffer(size, usage)
	if err != nil {
		return nil, res, err
	}

	wrapped := &destroyOrderBuffer{Buffer: buffer}
	d.buffers = append(d.buffers, wrapped)
	return wrapped, res, nil
}

func TestBuffer_DestroyOrder(t *testing.T) {
	device := &destroyOrderDevice{Device: gputest.NewDevice(gputest.DefaultOptions())}
	ctx := contextFor(t, device)

	buffer, err := NewBuffer(ctx, BufferCreateInfo{Size: 64})
	require.NoError(t, err)
	require.Len(t, device.buffers, 2)

	primary, staging := device.buffers[0], device.buffers[1]
	primary.allocation = buffer.Allocation()
	primary.staging = buffer.Staging()
	staging.allocation = buffer.Staging().Allocation()

	require.NoError(t, buffer.Destroy())

	require.True(t, primary.liveAtDestroy)
	require.True(t, primary.stagingLiveAtDestroy)
	require.True(t, staging.liveAtDestroy)
	require.False(t, buffer.Allocation().Live())
	require.False(t, buffer.Staging().Allocation().Live())
}

func TestBuffer_StaticRequiresTransferPool(t *testing.T) {
	_, ctx := readyContext(t)
	ctx.Transfer = nil

	_, err := NewBuffer(ctx, BufferCreateInfo{Size: 64})
	require.Error(t, err)

	_, err = NewBuffer(ctx, BufferCreateInfo{Size: 64, Dynamic: true})
	require.NoError(t, err)

	_, err = NewBuffer(ctx, BufferCreateInfo{Size: 0, Dynamic: true})
	require.Error(t, err)
}

func TestTexture_UploadThroughStaging(t *testing.T) {
	device, ctx := readyContext(t)

	texture, err := NewTexture(ctx, TextureCreateInfo{
		Width:  8,
		Height: 4,
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
		Name:   "checker",
	})
	require.NoError(t, err)
	require.Equal(t, 8*4*4, texture.ByteSize())
	require.Equal(t, arena.ResourceClassOptimal, texture.Allocation().ResourceClass())

	image := texture.Image().(*gputest.Image)
	require.Equal(t, core1_0.ImageLayoutUndefined, image.Layout())

	data := pattern(texture.ByteSize())
	require.NoError(t, texture.Update(data))
	require.Equal(t, data, image.Contents())
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, image.Layout())
	require.Equal(t, StagingIdle, texture.StagingState())

	require.Error(t, texture.Update(data[:10]))

	_, err = texture.Map()
	require.True(t, errors.Is(err, ErrNotMappable))
	require.True(t, errors.Is(texture.Unmap(), ErrNotMappable))

	require.NoError(t, texture.Destroy())
	require.True(t, errors.Is(texture.Destroy(), ErrDestroyed))
	require.True(t, errors.Is(texture.Unmap(), ErrDestroyed))
	require.Equal(t, 0, device.LiveImages())
	require.Equal(t, 0, device.LiveBuffers())
	require.Equal(t, 0, ctx.Allocator.AllocationCount())
	require.Empty(t, device.ValidationErrors())
}

func TestPerFrameBuffer_StrideFollowsUsageAlignment(t *testing.T) {
	_, ctx := readyContext(t)

	testCases := []struct {
		name   string
		usage  core1_0.BufferUsageFlags
		stride int
	}{
		{name: "uniform", usage: core1_0.BufferUsageUniformBuffer, stride: 256},
		{name: "storage", usage: core1_0.BufferUsageStorageBuffer, stride: 128},
		{name: "both", usage: core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageStorageBuffer, stride: 256},
		{name: "vertex", usage: core1_0.BufferUsageVertexBuffer, stride: 100},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			perFrame, err := NewPerFrameBuffer(ctx, PerFrameCreateInfo{
				ElementSize: 100,
				Count:       3,
				Usage:       testCase.usage,
				Dynamic:     true,
			})
			require.NoError(t, err)

			require.Equal(t, testCase.stride, perFrame.Stride())
			require.Equal(t, 3*testCase.stride, perFrame.Size())
			for i := 0; i < perFrame.Count(); i++ {
				require.Equal(t, i*testCase.stride, perFrame.Offset(i))
			}

			require.NoError(t, perFrame.Destroy())
		})
	}
}

func TestPerFrameBuffer_UpdateElement(t *testing.T) {
	device, ctx := readyContext(t)

	perFrame, err := NewPerFrameBuffer(ctx, PerFrameCreateInfo{
		ElementSize: 16,
		Count:       2,
		Usage:       core1_0.BufferUsageUniformBuffer,
	})
	require.NoError(t, err)

	first := bytes.Repeat([]byte{1}, 16)
	second := bytes.Repeat([]byte{2}, 16)
	require.NoError(t, perFrame.UpdateElement(1, second))
	require.NoError(t, perFrame.UpdateElement(0, first))

	contents := perFrame.Buffer.Buffer().(*gputest.Buffer).Contents()
	require.Equal(t, first, contents[:16])
	require.Equal(t, make([]byte, 240), contents[16:256])
	require.Equal(t, second, contents[256:272])

	require.Error(t, perFrame.UpdateElement(2, first))
	require.Error(t, perFrame.UpdateElement(0, make([]byte, 17)))
	require.Panics(t, func() { perFrame.Offset(-1) })

	require.NoError(t, perFrame.Destroy())
	require.Empty(t, device.ValidationErrors())
}
