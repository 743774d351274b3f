package vulkan

import (
	"time"
	"unsafe"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

type DeviceMemory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
	size      int
	typeIndex int
}

var _ gpu.DeviceMemory = &DeviceMemory{}

func (m *DeviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory { return m.memory }
func (m *DeviceMemory) Size() int                                { return m.size }
func (m *DeviceMemory) MemoryTypeIndex() int                     { return m.typeIndex }

func (m *DeviceMemory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(offset, size, 0)
}

func (m *DeviceMemory) Unmap() {
	m.memory.Unmap()
}

func (m *DeviceMemory) Free() {
	m.memory.Free(m.callbacks)
}

func unwrapMemory(memory gpu.DeviceMemory) (core1_0.DeviceMemory, error) {
	vulkanMemory, ok := memory.(*DeviceMemory)
	if !ok {
		return nil, errors.Newf("expected memory allocated by the vulkan adapter, received %T", memory)
	}
	return vulkanMemory.memory, nil
}

type Buffer struct {
	buffer    core1_0.Buffer
	callbacks *driver.AllocationCallbacks
	size      int
	usage     core1_0.BufferUsageFlags
}

var _ gpu.Buffer = &Buffer{}

func (b *Buffer) VulkanBuffer() core1_0.Buffer            { return b.buffer }
func (b *Buffer) Size() int                               { return b.size }
func (b *Buffer) Usage() core1_0.BufferUsageFlags         { return b.usage }
func (b *Buffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return b.buffer.MemoryRequirements()
}

func (b *Buffer) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	vulkanMemory, err := unwrapMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return b.buffer.BindBufferMemory(vulkanMemory, offset)
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.callbacks)
}

type Image struct {
	image     core1_0.Image
	callbacks *driver.AllocationCallbacks
	info      gpu.ImageCreateInfo
}

var _ gpu.Image = &Image{}

func (i *Image) VulkanImage() core1_0.Image { return i.image }
func (i *Image) Width() int                 { return i.info.Width }
func (i *Image) Height() int                { return i.info.Height }
func (i *Image) Format() core1_0.Format     { return i.info.Format }
func (i *Image) MemoryRequirements() *core1_0.MemoryRequirements {
	return i.image.MemoryRequirements()
}

func (i *Image) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	vulkanMemory, err := unwrapMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return i.image.BindImageMemory(vulkanMemory, offset)
}

func (i *Image) Destroy() {
	i.image.Destroy(i.callbacks)
}

type Fence struct {
	fence     core1_0.Fence
	callbacks *driver.AllocationCallbacks
}

var _ gpu.Fence = &Fence{}

func (f *Fence) VulkanFence() core1_0.Fence { return f.fence }

func (f *Fence) Status() (common.VkResult, error) {
	return f.fence.Status()
}

func (f *Fence) Wait(timeout time.Duration) (common.VkResult, error) {
	return f.fence.Wait(timeout)
}

func (f *Fence) Reset() (common.VkResult, error) {
	return f.fence.Reset()
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.callbacks)
}

type Semaphore struct {
	semaphore core1_0.Semaphore
	callbacks *driver.AllocationCallbacks
}

var _ gpu.Semaphore = &Semaphore{}

func (s *Semaphore) VulkanSemaphore() core1_0.Semaphore { return s.semaphore }

func (s *Semaphore) Destroy() {
	s.semaphore.Destroy(s.callbacks)
}

type DescriptorPool struct {
	descriptorPool core1_0.DescriptorPool
	callbacks      *driver.AllocationCallbacks
}

var _ gpu.DescriptorPool = &DescriptorPool{}

func (p *DescriptorPool) VulkanDescriptorPool() core1_0.DescriptorPool { return p.descriptorPool }

func (p *DescriptorPool) Destroy() {
	p.descriptorPool.Destroy(p.callbacks)
}

type CommandPool struct {
	device      core1_0.Device
	commandPool core1_0.CommandPool
	callbacks   *driver.AllocationCallbacks
}

var _ gpu.CommandPool = &CommandPool{}

func (p *CommandPool) VulkanCommandPool() core1_0.CommandPool { return p.commandPool }

func (p *CommandPool) AllocateCommandBuffer() (gpu.CommandBuffer, common.VkResult, error) {
	commandBuffers, res, err := p.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, res, err
	}

	return &CommandBuffer{commandBuffer: commandBuffers[0]}, res, nil
}

func (p *CommandPool) Destroy() {
	p.commandPool.Destroy(p.callbacks)
}

// queueFamilyIgnored is VK_QUEUE_FAMILY_IGNORED once core1_0 narrows it to uint32
const queueFamilyIgnored = -1

// CommandBuffer adapts core1_0.CommandBuffer. Use VulkanCommandBuffer to record anything beyond transfers
// and barriers.
type CommandBuffer struct {
	commandBuffer core1_0.CommandBuffer
}

var _ gpu.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) VulkanCommandBuffer() core1_0.CommandBuffer { return c.commandBuffer }

func (c *CommandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error) {
	return c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: flags,
	})
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	return c.commandBuffer.End()
}

func unwrapBuffer(buffer gpu.Buffer) (core1_0.Buffer, error) {
	vulkanBuffer, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Newf("expected a buffer created by the vulkan adapter, received %T", buffer)
	}
	return vulkanBuffer.buffer, nil
}

func (c *CommandBuffer) CopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	srcBuffer, err := unwrapBuffer(src)
	if err != nil {
		return err
	}

	dstBuffer, err := unwrapBuffer(dst)
	if err != nil {
		return err
	}

	return c.commandBuffer.CmdCopyBuffer(srcBuffer, dstBuffer, regions)
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image) error {
	srcBuffer, err := unwrapBuffer(src)
	if err != nil {
		return err
	}

	vulkanImage, ok := dst.(*Image)
	if !ok {
		return errors.Newf("expected an image created by the vulkan adapter, received %T", dst)
	}

	subresourceRange := core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	err = c.commandBuffer.CmdPipelineBarrier(core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			SrcAccessMask:       0,
			DstAccessMask:       core1_0.AccessTransferWrite,
			OldLayout:           core1_0.ImageLayoutUndefined,
			NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: queueFamilyIgnored,
			DstQueueFamilyIndex: queueFamilyIgnored,
			Image:               vulkanImage.image,
			SubresourceRange:    subresourceRange,
		},
	})
	if err != nil {
		return err
	}

	err = c.commandBuffer.CmdCopyBufferToImage(srcBuffer, vulkanImage.image, core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
		{
			BufferOffset:      0,
			BufferRowLength:   0,
			BufferImageHeight: 0,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			ImageExtent: core1_0.Extent3D{
				Width:  vulkanImage.info.Width,
				Height: vulkanImage.info.Height,
				Depth:  1,
			},
		},
	})
	if err != nil {
		return err
	}

	return c.commandBuffer.CmdPipelineBarrier(core1_0.PipelineStageTransfer, core1_0.PipelineStageFragmentShader, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			SrcAccessMask:       core1_0.AccessTransferWrite,
			DstAccessMask:       core1_0.AccessShaderRead,
			OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
			NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
			SrcQueueFamilyIndex: queueFamilyIgnored,
			DstQueueFamilyIndex: queueFamilyIgnored,
			Image:               vulkanImage.image,
			SubresourceRange:    subresourceRange,
		},
	})
}

func (c *CommandBuffer) PipelineBarrier(srcStage core1_0.PipelineStageFlags, dstStage core1_0.PipelineStageFlags) error {
	return c.commandBuffer.CmdPipelineBarrier(srcStage, dstStage, 0, nil, nil, nil)
}

type Queue struct {
	queue       core1_0.Queue
	familyIndex int
	mutex       utils.OptionalMutex
}

var _ gpu.Queue = &Queue{}

func (q *Queue) VulkanQueue() core1_0.Queue { return q.queue }
func (q *Queue) FamilyIndex() int           { return q.familyIndex }

func (q *Queue) Submit(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
	var vulkanFence core1_0.Fence
	if fence != nil {
		wrapped, ok := fence.(*Fence)
		if !ok {
			return core1_0.VKErrorUnknown, errors.Newf("expected a fence created by the vulkan adapter, received %T", fence)
		}
		vulkanFence = wrapped.fence
	}

	vulkanSubmits := make([]core1_0.SubmitInfo, 0, len(submits))
	for _, submit := range submits {
		var vulkanSubmit core1_0.SubmitInfo
		vulkanSubmit.WaitDstStageMask = submit.WaitDstStageMask

		for _, semaphore := range submit.WaitSemaphores {
			vulkanSubmit.WaitSemaphores = append(vulkanSubmit.WaitSemaphores, semaphore.(*Semaphore).semaphore)
		}

		for _, commandBuffer := range submit.CommandBuffers {
			vulkanSubmit.CommandBuffers = append(vulkanSubmit.CommandBuffers, commandBuffer.(*CommandBuffer).commandBuffer)
		}

		for _, semaphore := range submit.SignalSemaphores {
			vulkanSubmit.SignalSemaphores = append(vulkanSubmit.SignalSemaphores, semaphore.(*Semaphore).semaphore)
		}

		vulkanSubmits = append(vulkanSubmits, vulkanSubmit)
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.queue.Submit(vulkanFence, vulkanSubmits)
}

func (q *Queue) WaitIdle() (common.VkResult, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.queue.WaitIdle()
}
