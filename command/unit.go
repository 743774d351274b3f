package command

import (
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Unit pairs a command buffer with the fence that signals when the device has finished executing it.
// Units are owned by their Pool for its whole lifetime and are never freed individually.
type Unit struct {
	id            int
	pool          *Pool
	commandBuffer gpu.CommandBuffer
	fence         gpu.Fence

	recording  bool
	checkedOut bool
	dedicated  bool
	queued     bool
}

func (u *Unit) ID() int { return u.id }

// CommandBuffer is the recordable handle commands are written into between Begin and End
func (u *Unit) CommandBuffer() gpu.CommandBuffer { return u.commandBuffer }

// Fence is signaled once the unit's last submission has finished executing
func (u *Unit) Fence() gpu.Fence { return u.fence }

func (u *Unit) Recording() bool {
	u.pool.mutex.Lock()
	defer u.pool.mutex.Unlock()

	return u.recording
}

// Begin starts recording with one-time-submit usage, discarding whatever was recorded before
func (u *Unit) Begin() error {
	u.pool.mutex.Lock()
	defer u.pool.mutex.Unlock()

	return u.begin()
}

func (u *Unit) begin() error {
	if u.recording {
		return errors.Wrapf(ErrStillRecording, "failed to begin unit %d", u.id)
	}

	_, err := u.commandBuffer.Begin(core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return errors.Wrapf(err, "failed to begin unit %d", u.id)
	}

	u.recording = true
	return nil
}

// End finishes recording. The unit must be ended before it is submitted.
func (u *Unit) End() error {
	u.pool.mutex.Lock()
	defer u.pool.mutex.Unlock()

	if !u.recording {
		return errors.Newf("unit %d ended while not recording", u.id)
	}

	_, err := u.commandBuffer.End()
	if err != nil {
		return errors.Wrapf(err, "failed to end unit %d", u.id)
	}

	u.recording = false
	return nil
}
