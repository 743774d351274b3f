// Package gputest is a software implementation of the gpu interfaces. Memory is plain host memory,
// command buffers record closures, and submissions sit on a pending timeline until something completes
// them: Device.Complete, Queue.WaitIdle, or a Fence.Wait on a fence attached to one of them. That makes
// the asynchronous half of the GPU observable and controllable from tests.
//
// Misuse that a real driver's validation layers would flag (recording into a pending command buffer,
// submitting with a signaled fence, mapping memory twice) is reported as an error from the offending call.
// Problems that can only be noticed at execution time are collected and exposed through ValidationErrors.
package gputest

import (
	"sync"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Options configures the simulated physical device
type Options struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap
	Limits      core1_0.PhysicalDeviceLimits

	// BufferAlignment is the alignment reported in buffer memory requirements
	BufferAlignment int
	// ImageAlignment is the alignment reported in image memory requirements
	ImageAlignment int
	// BytesPerTexel is used to size every image, regardless of format
	BytesPerTexel int
	// MaxAllocationCount limits the number of live DeviceMemory objects. 0 means unlimited.
	MaxAllocationCount int
	// AutoComplete executes submissions immediately, as if the GPU were infinitely fast
	AutoComplete bool
}

const (
	DeviceLocalTypeIndex   = 0
	HostCoherentTypeIndex  = 1
	HostCachedTypeIndex    = 2
	DefaultBufferAlignment = 64
	DefaultImageAlignment  = 1024
)

// DefaultOptions describes a discrete GPU with a device-local type, a host-visible coherent type and a
// host-visible cached (non-coherent) type
func DefaultOptions() Options {
	return Options{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1024 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 512 * 1024 * 1024},
		},
		Limits: core1_0.PhysicalDeviceLimits{
			MinUniformBufferOffsetAlignment: 256,
			MinStorageBufferOffsetAlignment: 64,
			NonCoherentAtomSize:             64,
			BufferImageGranularity:          1,
			MaxMemoryAllocationCount:        4096,
		},
		BufferAlignment: DefaultBufferAlignment,
		ImageAlignment:  DefaultImageAlignment,
		BytesPerTexel:   4,
	}
}

type submission struct {
	fence    *Fence
	submits  []gpu.SubmitInfo
	sequence int
}

// Device is a software gpu.Device. It is safe for concurrent use.
type Device struct {
	mutex   sync.Mutex
	options Options

	memoryProperties core1_0.PhysicalDeviceMemoryProperties
	queues           map[[2]int]*Queue

	pending          []*submission
	nextSequence     int
	completedCount   int
	validationErrors []error

	liveMemory          int
	totalAllocations    int
	liveFences          int
	liveSemaphores      int
	liveCommandPools    int
	liveDescriptorPools int
	liveBuffers         int
	liveImages          int
}

var _ gpu.Device = &Device{}

func NewDevice(options Options) *Device {
	if options.BufferAlignment == 0 {
		options.BufferAlignment = DefaultBufferAlignment
	}
	if options.ImageAlignment == 0 {
		options.ImageAlignment = DefaultImageAlignment
	}
	if options.BytesPerTexel == 0 {
		options.BytesPerTexel = 4
	}

	return &Device{
		options: options,
		memoryProperties: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: options.MemoryTypes,
			MemoryHeaps: options.MemoryHeaps,
		},
		queues: make(map[[2]int]*Queue),
	}
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memoryProperties
}

func (d *Device) Limits() *core1_0.PhysicalDeviceLimits {
	return &d.options.Limits
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<len(d.options.MemoryTypes) - 1
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.DeviceMemory, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.options.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}

	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", size)
	}

	if d.options.MaxAllocationCount > 0 && d.liveMemory >= d.options.MaxAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	d.liveMemory++
	d.totalAllocations++

	return &Memory{
		device:    d,
		typeIndex: memoryTypeIndex,
		data:      make([]byte, size),
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpu.Buffer, common.VkResult, error) {
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid buffer size %d", size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveBuffers++

	return &Buffer{
		device: d,
		size:   size,
		usage:  usage,
		requirements: core1_0.MemoryRequirements{
			Size:           memutils.AlignUp(size, uint(d.options.BufferAlignment)),
			Alignment:      d.options.BufferAlignment,
			MemoryTypeBits: d.allTypeBits(),
		},
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateImage(o gpu.ImageCreateInfo) (gpu.Image, common.VkResult, error) {
	if o.Width <= 0 || o.Height <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid image extent %dx%d", o.Width, o.Height)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveImages++

	size := o.Width * o.Height * d.options.BytesPerTexel
	return &Image{
		device: d,
		info:   o,
		size:   size,
		requirements: core1_0.MemoryRequirements{
			Size:           memutils.AlignUp(size, uint(d.options.ImageAlignment)),
			Alignment:      d.options.ImageAlignment,
			MemoryTypeBits: d.allTypeBits(),
		},
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveFences++

	return &Fence{device: d, signaled: signaled}, core1_0.VKSuccess, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveSemaphores++

	return &Semaphore{device: d}, core1_0.VKSuccess, nil
}

func (d *Device) CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveCommandPools++

	return &CommandPool{device: d, queueFamilyIndex: queueFamilyIndex, flags: flags}, core1_0.VKSuccess, nil
}

func (d *Device) CreateDescriptorPool(maxSets int, poolSizes []core1_0.DescriptorPoolSize) (gpu.DescriptorPool, common.VkResult, error) {
	if maxSets <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid descriptor pool maxSets %d", maxSets)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.liveDescriptorPools++

	sizes := make([]core1_0.DescriptorPoolSize, len(poolSizes))
	copy(sizes, poolSizes)
	return &DescriptorPool{device: d, maxSets: maxSets, poolSizes: sizes}, core1_0.VKSuccess, nil
}

func (d *Device) GetQueue(queueFamilyIndex int, queueIndex int) gpu.Queue {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := [2]int{queueFamilyIndex, queueIndex}
	queue, ok := d.queues[key]
	if !ok {
		queue = &Queue{device: d, familyIndex: queueFamilyIndex, queueIndex: queueIndex}
		d.queues[key] = queue
	}
	return queue
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	d.Complete()
	return core1_0.VKSuccess, nil
}

// Complete executes every pending submission in submission order
func (d *Device) Complete() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.completeThrough(len(d.pending))
}

// CompleteNext executes the oldest pending submission, returning false if there was none
func (d *Device) CompleteNext() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return false
	}
	d.completeThrough(1)
	return true
}

// PendingSubmissions is the number of submissions the simulated GPU has not executed yet
func (d *Device) PendingSubmissions() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

// CompletedSubmissions is the number of submissions executed so far
func (d *Device) CompletedSubmissions() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.completedCount
}

// ValidationErrors returns every problem noticed while executing submissions
func (d *Device) ValidationErrors() []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	errs := make([]error, len(d.validationErrors))
	copy(errs, d.validationErrors)
	return errs
}

// LiveAllocations is the number of DeviceMemory objects that have not been freed
func (d *Device) LiveAllocations() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveMemory
}

// TotalAllocations is the number of DeviceMemory objects ever allocated
func (d *Device) TotalAllocations() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.totalAllocations
}

func (d *Device) LiveFences() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveFences
}

func (d *Device) LiveSemaphores() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveSemaphores
}

func (d *Device) LiveCommandPools() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveCommandPools
}

func (d *Device) LiveDescriptorPools() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveDescriptorPools
}

func (d *Device) LiveBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveBuffers
}

func (d *Device) LiveImages() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.liveImages
}

func (d *Device) reportf(format string, args ...any) {
	d.validationErrors = append(d.validationErrors, errors.Newf(format, args...))
}

// completeThrough executes the first count pending submissions. The caller must hold the mutex.
func (d *Device) completeThrough(count int) {
	for i := 0; i < count; i++ {
		d.execute(d.pending[i])
	}
	d.pending = d.pending[count:]
}

func (d *Device) execute(sub *submission) {
	for _, submit := range sub.submits {
		for _, waitSemaphore := range submit.WaitSemaphores {
			semaphore := waitSemaphore.(*Semaphore)
			if !semaphore.signaled {
				d.reportf("submission %d waits on a semaphore that nothing signaled", sub.sequence)
			}
			semaphore.signaled = false
		}

		for _, commandBuffer := range submit.CommandBuffers {
			cb := commandBuffer.(*CommandBuffer)
			for _, op := range cb.ops {
				err := op()
				if err != nil {
					d.reportf("submission %d: %s", sub.sequence, err)
				}
			}
			cb.state = commandBufferExecutable
			cb.executions++
		}

		for _, signalSemaphore := range submit.SignalSemaphores {
			semaphore := signalSemaphore.(*Semaphore)
			if semaphore.signaled {
				d.reportf("submission %d signals a semaphore that is already signaled", sub.sequence)
			}
			semaphore.signaled = true
		}
	}

	if sub.fence != nil {
		sub.fence.signaled = true
		sub.fence.pending = false
	}
	d.completedCount++
}

func (d *Device) submit(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var f *Fence
	if fence != nil {
		f = fence.(*Fence)
		if f.destroyed {
			return core1_0.VKErrorUnknown, errors.New("submitted with a destroyed fence")
		}
		if f.signaled || f.pending {
			return core1_0.VKErrorUnknown, errors.New("submitted with a fence that was not reset")
		}
	}

	for _, submit := range submits {
		if len(submit.WaitDstStageMask) != len(submit.WaitSemaphores) {
			return core1_0.VKErrorUnknown, errors.Newf("%d wait semaphores but %d wait stages", len(submit.WaitSemaphores), len(submit.WaitDstStageMask))
		}

		for _, commandBuffer := range submit.CommandBuffers {
			cb := commandBuffer.(*CommandBuffer)
			if cb.state != commandBufferExecutable {
				return core1_0.VKErrorUnknown, errors.Newf("command buffer submitted in the %s state", cb.state)
			}
		}
	}

	for _, submit := range submits {
		for _, commandBuffer := range submit.CommandBuffers {
			commandBuffer.(*CommandBuffer).state = commandBufferPending
		}
	}

	sub := &submission{fence: f, submits: submits, sequence: d.nextSequence}
	d.nextSequence++
	if f != nil {
		f.pending = true
	}
	d.pending = append(d.pending, sub)

	if d.options.AutoComplete {
		d.completeThrough(len(d.pending))
	}

	return core1_0.VKSuccess, nil
}
