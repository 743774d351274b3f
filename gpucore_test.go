package gpucore

import (
	"bytes"
	"testing"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/gpu/gputest"
	"github.com/catastrophic-engine/gpucore/gpu/mocks"
	"github.com/catastrophic-engine/gpucore/resource"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestNew_Defaults(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())

	core, err := New(nil, device, CreateOptions{GraphicsQueueFamily: 0, TransferQueueFamily: 1})
	require.NoError(t, err)

	require.Equal(t, 0, core.GraphicsPool().QueueFamilyIndex())
	require.False(t, core.GraphicsPool().Transient())
	require.Equal(t, 1, core.TransferPool().QueueFamilyIndex())
	require.True(t, core.TransferPool().Transient())
	require.Equal(t, 1, core.TransferPool().Queue().FamilyIndex())
	require.Equal(t, 2, core.Frames().MaxFramesInFlight())
	require.Equal(t, 2, device.LiveCommandPools())

	ctx := core.Resources()
	require.Same(t, core.Allocator(), ctx.Allocator)
	require.Same(t, core.TransferPool(), ctx.Transfer)

	require.NoError(t, core.Destroy())
	require.Equal(t, 0, device.LiveCommandPools())

	require.NoError(t, core.Destroy())
	require.Error(t, core.RecreateSwapchainState())

	_, err = New(nil, nil, CreateOptions{})
	require.Error(t, err)

	require.Equal(t, "CoreCreateExternallySynchronized", CoreCreateExternallySynchronized.String())
}

func TestNew_SameFamilySharesOneQueue(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())

	core, err := New(nil, device, CreateOptions{GraphicsQueueFamily: 0, TransferQueueFamily: 0})
	require.NoError(t, err)
	require.Same(t, core.GraphicsPool().Queue(), core.TransferPool().Queue())

	split, err := New(nil, device, CreateOptions{GraphicsQueueFamily: 0, TransferQueueFamily: 1})
	require.NoError(t, err)
	require.NotSame(t, split.GraphicsPool().Queue(), split.TransferPool().Queue())

	require.NoError(t, split.Destroy())
	require.NoError(t, core.Destroy())
}

func TestCore_RenderLoop(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs))

	core, err := New(logger, device, CreateOptions{
		ArenaChunkSize:      1024 * 1024,
		MaxFramesInFlight:   3,
		TransferQueueFamily: 1,
	})
	require.NoError(t, err)
	require.Contains(t, logs.String(), "gpu core created")

	vertices, err := resource.NewBuffer(core.Resources(), resource.BufferCreateInfo{
		Size:  512,
		Usage: core1_0.BufferUsageVertexBuffer,
		Name:  "vertices",
	})
	require.NoError(t, err)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.NoError(t, vertices.Update(data))
	require.Equal(t, data, vertices.Buffer().(*gputest.Buffer).Contents())

	uniforms, err := resource.NewPerFrameBuffer(core.Resources(), resource.PerFrameCreateInfo{
		ElementSize: 64,
		Count:       3,
		Usage:       core1_0.BufferUsageUniformBuffer,
		Dynamic:     true,
		Name:        "camera",
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		frame, err := core.Frames().GetAvailableFrame()
		require.NoError(t, err)
		frame.RenderFinished().(*gputest.Semaphore).Consume()

		require.NoError(t, uniforms.UpdateElement(frame.Index(), []byte{byte(i)}))

		frame.ImageAcquired().(*gputest.Semaphore).Signal()
		require.NoError(t, frame.Unit().Begin())
		require.NoError(t, frame.Unit().CommandBuffer().PipelineBarrier(core1_0.PipelineStageTransfer, core1_0.PipelineStageFragmentShader))
		require.NoError(t, frame.Unit().End())
		require.NoError(t, core.Frames().Submit(frame, core1_0.PipelineStageColorAttachmentOutput))

		if i == 5 {
			require.NoError(t, core.RecreateSwapchainState())
			require.Equal(t, 0, core.Frames().FrameCount())
		}
	}
	require.LessOrEqual(t, core.Frames().FrameCount(), 3)

	require.NoError(t, uniforms.Destroy())
	require.NoError(t, vertices.Destroy())
	require.NoError(t, core.Destroy())

	require.Equal(t, 0, device.PendingSubmissions())
	require.Equal(t, 0, device.LiveAllocations())
	require.Equal(t, 0, device.LiveBuffers())
	require.Equal(t, 0, device.LiveFences())
	require.Equal(t, 0, device.LiveSemaphores())
	require.Equal(t, 0, device.LiveCommandPools())
	require.Empty(t, device.ValidationErrors())
}

func TestCore_DestroyReportsLeakedResources(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())

	core, err := New(nil, device, CreateOptions{})
	require.NoError(t, err)

	_, err = resource.NewBuffer(core.Resources(), resource.BufferCreateInfo{
		Size:    128,
		Usage:   core1_0.BufferUsageUniformBuffer,
		Dynamic: true,
		Name:    "leaked",
	})
	require.NoError(t, err)

	err = core.Destroy()
	require.True(t, errors.Is(err, arena.ErrUnreleasedAllocations))
	require.Equal(t, 0, device.LiveAllocations())
	require.Equal(t, 0, device.LiveCommandPools())
}

func TestNew_FailedTransferPoolReleasesGraphicsPool(t *testing.T) {
	ctrl := gomock.NewController(t)

	options := gputest.DefaultOptions()
	properties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: options.MemoryTypes,
		MemoryHeaps: options.MemoryHeaps,
	}

	device := mocks.NewMockDevice(ctrl)
	graphicsPool := mocks.NewMockCommandPool(ctrl)
	graphicsQueue := mocks.NewMockQueue(ctrl)

	device.EXPECT().Limits().AnyTimes().Return(&options.Limits)
	device.EXPECT().MemoryProperties().AnyTimes().Return(properties)
	graphicsQueue.EXPECT().FamilyIndex().AnyTimes().Return(0)

	gomock.InOrder(
		device.EXPECT().CreateCommandPool(0, core1_0.CommandPoolCreateResetBuffer).Return(graphicsPool, core1_0.VKSuccess, nil),
		device.EXPECT().GetQueue(0, 0).Return(graphicsQueue),
		device.EXPECT().CreateCommandPool(2, core1_0.CommandPoolCreateResetBuffer|core1_0.CommandPoolCreateTransient).
			Return(nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory")),
		graphicsPool.EXPECT().Destroy(),
	)

	_, err := New(nil, device, CreateOptions{TransferQueueFamily: 2})
	require.ErrorContains(t, err, "failed to create the transfer pool")
}
