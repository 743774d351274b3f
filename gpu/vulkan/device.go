// Package vulkan satisfies the gpu interfaces with a real Vulkan device through vkngwrapper. Each type is
// a thin wrapper over its core1_0 counterpart; the raw handles are available for the layers above this
// module that record draw and dispatch commands.
package vulkan

import (
	"context"
	"sync"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// Options configures how the adapter talks to the device
type Options struct {
	// AllocationCallbacks is passed to every create, destroy and free call
	AllocationCallbacks *driver.AllocationCallbacks
}

// Device adapts a vkngwrapper physical and logical device pair to gpu.Device
type Device struct {
	logger *slog.Logger

	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *driver.AllocationCallbacks

	properties       *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties

	queueMutex sync.Mutex
	queues     *swiss.Map[queueKey, *Queue]
}

type queueKey struct {
	familyIndex int
	queueIndex  int
}

var _ gpu.Device = &Device{}

func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) (*Device, error) {
	if logger == nil {
		return nil, errors.New("logger may not be nil")
	}

	if physicalDevice == nil {
		return nil, errors.New("physicalDevice may not be nil")
	}

	if device == nil {
		return nil, errors.New("device may not be nil")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "gpu device adapter created",
		slog.String("DeviceName", properties.DriverName),
		slog.Any("DriverType", properties.DriverType),
		slog.Int("MemoryTypes", len(physicalDevice.MemoryProperties().MemoryTypes)),
	)

	return &Device{
		logger:           logger,
		physicalDevice:   physicalDevice,
		device:           device,
		callbacks:        options.AllocationCallbacks,
		properties:       properties,
		memoryProperties: physicalDevice.MemoryProperties(),
	}, nil
}

// VulkanDevice returns the wrapped logical device
func (d *Device) VulkanDevice() core1_0.Device { return d.device }

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *Device) Limits() *core1_0.PhysicalDeviceLimits {
	return d.properties.Limits
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.DeviceMemory, common.VkResult, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	return &DeviceMemory{
		memory:    memory,
		callbacks: d.callbacks,
		size:      size,
		typeIndex: memoryTypeIndex,
	}, res, nil
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpu.Buffer, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, res, err
	}

	return &Buffer{
		buffer:    buffer,
		callbacks: d.callbacks,
		size:      size,
		usage:     usage,
	}, res, nil
}

func (d *Device) CreateImage(o gpu.ImageCreateInfo) (gpu.Image, common.VkResult, error) {
	image, res, err := d.device.CreateImage(d.callbacks, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Format:    o.Format,
		Extent: core1_0.Extent3D{
			Width:  o.Width,
			Height: o.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         o.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, res, err
	}

	return &Image{
		image:     image,
		callbacks: d.callbacks,
		info:      o,
	}, res, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags |= core1_0.FenceCreateSignaled
	}

	fence, res, err := d.device.CreateFence(d.callbacks, core1_0.FenceCreateInfo{
		Flags: flags,
	})
	if err != nil {
		return nil, res, err
	}

	return &Fence{fence: fence, callbacks: d.callbacks}, res, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	semaphore, res, err := d.device.CreateSemaphore(d.callbacks, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, res, err
	}

	return &Semaphore{semaphore: semaphore, callbacks: d.callbacks}, res, nil
}

func (d *Device) CreateCommandPool(queueFamilyIndex int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, common.VkResult, error) {
	commandPool, res, err := d.device.CreateCommandPool(d.callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            flags,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, res, err
	}

	return &CommandPool{
		device:      d.device,
		commandPool: commandPool,
		callbacks:   d.callbacks,
	}, res, nil
}

func (d *Device) CreateDescriptorPool(maxSets int, poolSizes []core1_0.DescriptorPoolSize) (gpu.DescriptorPool, common.VkResult, error) {
	descriptorPool, res, err := d.device.CreateDescriptorPool(d.callbacks, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   maxSets,
		PoolSizes: poolSizes,
	})
	if err != nil {
		return nil, res, err
	}

	return &DescriptorPool{descriptorPool: descriptorPool, callbacks: d.callbacks}, res, nil
}

// GetQueue wraps each device queue once. vkQueueSubmit requires external synchronization on the queue, so
// every pool bound to the same family and index submits through one wrapper and one lock.
func (d *Device) GetQueue(queueFamilyIndex int, queueIndex int) gpu.Queue {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()

	if d.queues == nil {
		d.queues = swiss.NewMap[queueKey, *Queue](4)
	}

	key := queueKey{familyIndex: queueFamilyIndex, queueIndex: queueIndex}
	queue, ok := d.queues.Get(key)
	if !ok {
		queue = &Queue{
			queue:       d.device.GetQueue(queueFamilyIndex, queueIndex),
			familyIndex: queueFamilyIndex,
			mutex:       utils.OptionalMutex{UseMutex: true},
		}
		d.queues.Put(key, queue)
	}
	return queue
}

func (d *Device) WaitIdle() (common.VkResult, error) {
	return d.device.WaitIdle()
}
