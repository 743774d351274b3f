// Package gpu describes the device boundary the rest of gpucore is written against. The interfaces are
// deliberately narrow: they cover exactly what arenas, execution units, resources and frame slots need
// from a logical device, phrased in vkngwrapper's core1_0 vocabulary so that gpu/vulkan can satisfy them
// with thin wrappers and gpu/gputest can satisfy them in software.
package gpu

//go:generate mockgen -destination mocks/mocks.go -package mocks github.com/catastrophic-engine/gpucore/gpu CommandBuffer,CommandPool,Device,Fence,Queue

import (
	"math"
	"time"
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoTimeout is passed to Fence.Wait to wait without a deadline
const NoTimeout = time.Duration(math.MaxInt64)

// Device is a single logical device along with the physical device properties it was created from
type Device interface {
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
	Limits() *core1_0.PhysicalDeviceLimits

	AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, common.VkResult, error)
	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (Buffer, common.VkResult, error)
	CreateImage(o ImageCreateInfo) (Image, common.VkResult, error)
	CreateFence(signaled bool) (Fence, common.VkResult, error)
	CreateSemaphore() (Semaphore, common.VkResult, error)
	CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (CommandPool, common.VkResult, error)
	CreateDescriptorPool(maxSets int, poolSizes []core1_0.DescriptorPoolSize) (DescriptorPool, common.VkResult, error)

	// GetQueue returns the same Queue for every call with the same family and index, so pools sharing a
	// queue also share its submission lock
	GetQueue(queueFamilyIndex int, queueIndex int) Queue
	WaitIdle() (common.VkResult, error)
}

// ImageCreateInfo describes a single-mip, single-layer 2D image with optimal tiling
type ImageCreateInfo struct {
	Width  int
	Height int
	Format core1_0.Format
	Usage  core1_0.ImageUsageFlags
}

// WholeSize maps from the offset to the end of a DeviceMemory. It converts to VK_WHOLE_SIZE on the driver.
const WholeSize = -1

// DeviceMemory is one allocation made directly from the device. Arenas own these.
type DeviceMemory interface {
	Size() int
	MemoryTypeIndex() int
	// Map maps a host-visible range. A DeviceMemory may only have one mapping at a time.
	Map(offset int, size int) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	Free()
}

type Buffer interface {
	Size() int
	Usage() core1_0.BufferUsageFlags
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	Destroy()
}

type Image interface {
	Width() int
	Height() int
	Format() core1_0.Format
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	Destroy()
}

// CommandBuffer is the recordable half of an execution unit. Implementations may offer more
// recording methods on their concrete type for the render layer.
type CommandBuffer interface {
	Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error)
	End() (common.VkResult, error)

	CopyBuffer(src Buffer, dst Buffer, regions []core1_0.BufferCopy) error
	// CopyBufferToImage copies tightly packed texels from src into the whole of dst, transitioning dst
	// from an undefined layout to transfer-dst beforehand and to shader-read-only afterwards
	CopyBufferToImage(src Buffer, dst Image) error
	PipelineBarrier(srcStage core1_0.PipelineStageFlags, dstStage core1_0.PipelineStageFlags) error
}

type CommandPool interface {
	AllocateCommandBuffer() (CommandBuffer, common.VkResult, error)
	Destroy()
}

// Fence is the host-observable completion signal of a submission
type Fence interface {
	// Status returns VKSuccess when the fence is signaled and VKNotReady when it is not
	Status() (common.VkResult, error)
	Wait(timeout time.Duration) (common.VkResult, error)
	Reset() (common.VkResult, error)
	Destroy()
}

type Semaphore interface {
	Destroy()
}

type DescriptorPool interface {
	Destroy()
}

// SubmitInfo is one batch of a Queue.Submit call
type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitDstStageMask []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// Queue submissions are serialized by the implementation. Callers on different goroutines may submit to
// the same queue.
type Queue interface {
	FamilyIndex() int
	// Submit enqueues work. fence may be nil, otherwise it must be unsignaled and is signaled once
	// every batch has finished executing.
	Submit(fence Fence, submits []SubmitInfo) (common.VkResult, error)
	WaitIdle() (common.VkResult, error)
}

// FenceSignaled polls fence and reports whether it is signaled
func FenceSignaled(fence Fence) (bool, error) {
	res, err := fence.Status()
	if err != nil {
		return false, err
	}

	return res == core1_0.VKSuccess, nil
}
