package gputest

import (
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type commandBufferState uint32

const (
	commandBufferInitial commandBufferState = iota
	commandBufferRecording
	commandBufferExecutable
	commandBufferPending
)

var commandBufferStateMapping = map[commandBufferState]string{
	commandBufferInitial:    "initial",
	commandBufferRecording:  "recording",
	commandBufferExecutable: "executable",
	commandBufferPending:    "pending",
}

func (s commandBufferState) String() string {
	return commandBufferStateMapping[s]
}

// CommandPool is a software gpu.CommandPool
type CommandPool struct {
	device           *Device
	queueFamilyIndex int
	flags            core1_0.CommandPoolCreateFlags
	buffers          []*CommandBuffer
	destroyed        bool
}

var _ gpu.CommandPool = &CommandPool{}

func (p *CommandPool) Flags() core1_0.CommandPoolCreateFlags { return p.flags }
func (p *CommandPool) QueueFamilyIndex() int                 { return p.queueFamilyIndex }

// CommandBufferCount is the number of command buffers allocated from this pool
func (p *CommandPool) CommandBufferCount() int {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()
	return len(p.buffers)
}

func (p *CommandPool) AllocateCommandBuffer() (gpu.CommandBuffer, common.VkResult, error) {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		return nil, core1_0.VKErrorUnknown, errors.New("allocated from a destroyed command pool")
	}

	commandBuffer := &CommandBuffer{pool: p}
	p.buffers = append(p.buffers, commandBuffer)
	return commandBuffer, core1_0.VKSuccess, nil
}

func (p *CommandPool) Destroy() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		p.device.reportf("command pool destroyed twice")
		return
	}
	for _, commandBuffer := range p.buffers {
		if commandBuffer.state == commandBufferPending {
			p.device.reportf("command pool destroyed while one of its command buffers was pending")
			break
		}
	}
	p.destroyed = true
	p.device.liveCommandPools--
}

func (p *CommandPool) Destroyed() bool {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()
	return p.destroyed
}

// CommandBuffer is a software gpu.CommandBuffer. Recorded commands run when the submission they belong to
// is executed.
type CommandBuffer struct {
	pool       *CommandPool
	state      commandBufferState
	usage      core1_0.CommandBufferUsageFlags
	ops        []func() error
	barriers   int
	executions int
}

var _ gpu.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) (common.VkResult, error) {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()

	if c.state == commandBufferPending {
		return core1_0.VKErrorUnknown, errors.New("began recording a command buffer that the device is still executing")
	}
	if c.state == commandBufferRecording {
		return core1_0.VKErrorUnknown, errors.New("began recording a command buffer that is already recording")
	}
	if c.state != commandBufferInitial && c.pool.flags&core1_0.CommandPoolCreateResetBuffer == 0 {
		return core1_0.VKErrorUnknown, errors.New("implicitly reset a command buffer from a pool without the reset flag")
	}

	c.state = commandBufferRecording
	c.usage = flags
	c.ops = nil
	c.barriers = 0
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()

	if c.state != commandBufferRecording {
		return core1_0.VKErrorUnknown, errors.Newf("ended a command buffer in the %s state", c.state)
	}
	c.state = commandBufferExecutable
	return core1_0.VKSuccess, nil
}

func (c *CommandBuffer) record(op func() error) error {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()

	if c.state != commandBufferRecording {
		return errors.Newf("recorded into a command buffer in the %s state", c.state)
	}
	c.ops = append(c.ops, op)
	return nil
}

func (c *CommandBuffer) CopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []core1_0.BufferCopy) error {
	srcBuffer := src.(*Buffer)
	dstBuffer := dst.(*Buffer)
	copied := make([]core1_0.BufferCopy, len(regions))
	copy(copied, regions)

	return c.record(func() error {
		if srcBuffer.destroyed || dstBuffer.destroyed {
			return errors.New("copy between destroyed buffers")
		}
		if srcBuffer.binding.memory == nil || dstBuffer.binding.memory == nil {
			return errors.New("copy between buffers that are not bound to memory")
		}

		for _, region := range copied {
			if region.SrcOffset+region.Size > srcBuffer.size || region.DstOffset+region.Size > dstBuffer.size {
				return errors.Newf("copy region %+v is out of bounds", region)
			}

			srcBytes := srcBuffer.binding.bytes(srcBuffer.size)
			dstBytes := dstBuffer.binding.bytes(dstBuffer.size)
			copy(dstBytes[region.DstOffset:region.DstOffset+region.Size], srcBytes[region.SrcOffset:region.SrcOffset+region.Size])
		}
		return nil
	})
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image) error {
	srcBuffer := src.(*Buffer)
	dstImage := dst.(*Image)

	return c.record(func() error {
		if srcBuffer.destroyed || dstImage.destroyed {
			return errors.New("copy involving a destroyed object")
		}
		if srcBuffer.binding.memory == nil || dstImage.binding.memory == nil {
			return errors.New("copy involving objects that are not bound to memory")
		}
		if srcBuffer.size < dstImage.size {
			return errors.Newf("staging buffer holds %d bytes, but the image needs %d", srcBuffer.size, dstImage.size)
		}

		copy(dstImage.binding.bytes(dstImage.size), srcBuffer.binding.bytes(dstImage.size))
		dstImage.layout = core1_0.ImageLayoutShaderReadOnlyOptimal
		return nil
	})
}

func (c *CommandBuffer) PipelineBarrier(srcStage core1_0.PipelineStageFlags, dstStage core1_0.PipelineStageFlags) error {
	err := c.record(func() error { return nil })
	if err != nil {
		return err
	}

	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	c.barriers++
	return nil
}

// Recording reports whether the command buffer is between Begin and End
func (c *CommandBuffer) Recording() bool {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	return c.state == commandBufferRecording
}

// Pending reports whether the command buffer belongs to a submission the device has not executed
func (c *CommandBuffer) Pending() bool {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	return c.state == commandBufferPending
}

// Usage returns the flags passed to the last Begin
func (c *CommandBuffer) Usage() core1_0.CommandBufferUsageFlags {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	return c.usage
}

// Barriers is the number of pipeline barriers recorded since the last Begin
func (c *CommandBuffer) Barriers() int {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	return c.barriers
}

// Executions is the number of times the device has executed this command buffer
func (c *CommandBuffer) Executions() int {
	c.pool.device.mutex.Lock()
	defer c.pool.device.mutex.Unlock()
	return c.executions
}
