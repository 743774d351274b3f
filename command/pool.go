// Package command pools execution units: command buffers paired with completion fences, recycled once the
// device reports their last submission finished.
package command

import (
	"context"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Pool hands out execution units bound to a single queue. The pool only grows: units are created when no
// existing unit is idle and are all freed together by Destroy.
type Pool struct {
	logger *slog.Logger
	device gpu.Device
	mutex  utils.OptionalMutex

	commandPool      gpu.CommandPool
	queueFamilyIndex int
	transient        bool
	queue            gpu.Queue
	submitted        bool
	destroyed        bool

	order  []*Unit
	units  *swiss.Map[int, *Unit]
	queued []*Unit

	descriptorPoolSizes []core1_0.DescriptorPoolSize
	descriptorPool      gpu.DescriptorPool
}

func (p *Pool) QueueFamilyIndex() int { return p.queueFamilyIndex }
func (p *Pool) Transient() bool       { return p.transient }

// UnitCount is the number of units the pool has created
func (p *Pool) UnitCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.order)
}

// Queue returns the bound queue, or nil if SetQueue has not been called
func (p *Pool) Queue() gpu.Queue {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.queue
}

// SetQueue binds the pool to the queue its units are submitted to. The queue may be replaced until the
// first submission, after which a different queue is refused with ErrQueueRebound.
func (p *Pool) SetQueue(queue gpu.Queue) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if queue == nil {
		return errors.New("attempted to bind a nil queue")
	}
	if queue.FamilyIndex() != p.queueFamilyIndex {
		return errors.Newf("queue from family %d cannot run units from a pool for family %d", queue.FamilyIndex(), p.queueFamilyIndex)
	}
	if p.submitted && p.queue != queue {
		return ErrQueueRebound
	}

	p.queue = queue
	return nil
}

// GetUnit returns the first unit that is not recording, not checked out, not dedicated to a frame and
// whose fence is signaled, creating a new unit if there is none. With begin set, recording has already
// started when the unit is returned.
func (p *Pool) GetUnit(begin bool) (*Unit, error) {
	p.logger.Debug("Pool::GetUnit")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	unit, err := p.acquireIdleUnit()
	if err != nil {
		return nil, err
	}

	if begin {
		err = unit.begin()
		if err != nil {
			return nil, err
		}
	}

	unit.checkedOut = true
	return unit, nil
}

// acquireIdleUnit scans for a reusable unit and creates one when the scan comes up empty. The caller must
// hold the mutex.
func (p *Pool) acquireIdleUnit() (*Unit, error) {
	if p.destroyed {
		return nil, ErrPoolDestroyed
	}

	for _, unit := range p.order {
		if unit.recording || unit.checkedOut || unit.dedicated || unit.queued {
			continue
		}

		// The device may still be reading the command buffer until the fence says otherwise
		signaled, err := gpu.FenceSignaled(unit.fence)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to poll the fence of unit %d", unit.id)
		}
		if signaled {
			return unit, nil
		}
	}

	return p.createUnit()
}

func (p *Pool) createUnit() (*Unit, error) {
	commandBuffer, _, err := p.commandPool.AllocateCommandBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate a command buffer")
	}

	fence, _, err := p.device.CreateFence(true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a unit fence")
	}

	unit := &Unit{
		id:            len(p.order),
		pool:          p,
		commandBuffer: commandBuffer,
		fence:         fence,
	}
	p.order = append(p.order, unit)
	p.units.Put(unit.id, unit)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "unit created",
		slog.Int("id", unit.id),
		slog.Int("queueFamilyIndex", p.queueFamilyIndex),
		slog.Int("units", len(p.order)),
	)

	return unit, nil
}

// owns reports whether unit was created by this pool. The caller must hold the mutex.
func (p *Pool) owns(unit *Unit) bool {
	if unit == nil {
		return false
	}

	owned, ok := p.units.Get(unit.id)
	return ok && owned == unit
}

// Return hands a checked out unit back without submitting it. Anything recorded into it is discarded the
// next time it begins.
func (p *Pool) Return(unit *Unit) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.owns(unit) {
		return ErrForeignUnit
	}

	if unit.recording {
		_, err := unit.commandBuffer.End()
		if err != nil {
			return errors.Wrapf(err, "failed to end unit %d while returning it", unit.id)
		}
		unit.recording = false
	}

	unit.checkedOut = false
	return nil
}

// AcquireDedicatedUnit takes an idle unit out of circulation. GetUnit will not return it until
// ReleaseDedicatedUnit is called.
func (p *Pool) AcquireDedicatedUnit() (*Unit, error) {
	p.logger.Debug("Pool::AcquireDedicatedUnit")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	unit, err := p.acquireIdleUnit()
	if err != nil {
		return nil, err
	}

	unit.dedicated = true
	return unit, nil
}

// ReleaseDedicatedUnit puts a dedicated unit back into circulation. It becomes available to GetUnit once its
// fence is signaled.
func (p *Pool) ReleaseDedicatedUnit(unit *Unit) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.owns(unit) {
		return ErrForeignUnit
	}
	if unit.recording {
		return errors.Wrapf(ErrStillRecording, "failed to release unit %d", unit.id)
	}

	unit.dedicated = false
	unit.checkedOut = false
	return nil
}

// checkSubmittable validates that unit can be submitted. The caller must hold the mutex.
func (p *Pool) checkSubmittable(unit *Unit) error {
	if p.destroyed {
		return ErrPoolDestroyed
	}
	if !p.owns(unit) {
		return ErrForeignUnit
	}
	if !unit.checkedOut && !unit.dedicated {
		return errors.Wrapf(ErrNotCheckedOut, "failed to submit unit %d", unit.id)
	}
	if unit.recording {
		return errors.Wrapf(ErrStillRecording, "failed to submit unit %d", unit.id)
	}
	if p.queue == nil {
		return ErrQueueNotBound
	}

	return nil
}

// submit resets the unit's fence and hands it to the queue. The caller must hold the mutex.
func (p *Pool) submit(unit *Unit, submitInfo gpu.SubmitInfo) error {
	res, err := unit.fence.Reset()
	if err != nil {
		return errors.Wrapf(err, "failed to reset the fence of unit %d", unit.id)
	} else if res != core1_0.VKSuccess {
		return errors.Newf("resetting the fence of unit %d returned %s", unit.id, res)
	}

	submitInfo.CommandBuffers = []gpu.CommandBuffer{unit.commandBuffer}
	res, err = p.queue.Submit(unit.fence, []gpu.SubmitInfo{submitInfo})
	if err != nil {
		return errors.Wrapf(err, "failed to submit unit %d", unit.id)
	} else if res != core1_0.VKSuccess {
		return errors.Newf("submitting unit %d returned %s", unit.id, res)
	}

	p.submitted = true
	if !unit.dedicated {
		unit.checkedOut = false
	}
	return nil
}

func waitForFence(fence gpu.Fence) error {
	res, err := fence.Wait(gpu.NoTimeout)
	if err != nil {
		return errors.Wrap(err, "failed to wait for a unit fence")
	}
	if res != core1_0.VKSuccess {
		return errors.Newf("waiting for a unit fence returned %s", res)
	}

	return nil
}

// Submit enqueues the unit's recorded work on the bound queue. With block set, Submit waits for the device
// to finish it. Otherwise the unit must not be touched again until GetUnit hands it back out.
func (p *Pool) Submit(unit *Unit, block bool) error {
	p.logger.Debug("Pool::Submit")

	fence, err := p.SubmitDeferred(unit)
	if err != nil {
		return err
	}

	if block {
		return waitForFence(fence)
	}
	return nil
}

// SubmitDeferred enqueues the unit's recorded work without waiting and returns the fence that will be
// signaled when it completes
func (p *Pool) SubmitDeferred(unit *Unit) (gpu.Fence, error) {
	return p.SubmitWithSync(unit, nil, nil, nil)
}

// SubmitWithSync enqueues the unit's recorded work behind waitSemaphores, each waited on at the matching
// stage in waitStages, and signals signalSemaphores along with the unit's fence when it completes
func (p *Pool) SubmitWithSync(unit *Unit, waitSemaphores []gpu.Semaphore, waitStages []core1_0.PipelineStageFlags, signalSemaphores []gpu.Semaphore) (gpu.Fence, error) {
	p.logger.Debug("Pool::SubmitWithSync")

	if len(waitSemaphores) != len(waitStages) {
		return nil, errors.Newf("%d wait semaphores were provided with %d wait stages", len(waitSemaphores), len(waitStages))
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.checkSubmittable(unit)
	if err != nil {
		return nil, err
	}

	err = p.submit(unit, gpu.SubmitInfo{
		WaitSemaphores:   waitSemaphores,
		WaitDstStageMask: waitStages,
		SignalSemaphores: signalSemaphores,
	})
	if err != nil {
		return nil, err
	}

	return unit.fence, nil
}

// Enqueue holds a finished unit until SubmitQueued
func (p *Pool) Enqueue(unit *Unit) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.owns(unit) {
		return ErrForeignUnit
	}
	if !unit.checkedOut && !unit.dedicated {
		return errors.Wrapf(ErrNotCheckedOut, "failed to enqueue unit %d", unit.id)
	}
	if unit.recording {
		return errors.Wrapf(ErrStillRecording, "failed to enqueue unit %d", unit.id)
	}
	if unit.queued {
		return errors.Newf("unit %d is already queued", unit.id)
	}

	unit.queued = true
	p.queued = append(p.queued, unit)
	return nil
}

// QueuedCount is the number of units waiting for SubmitQueued
func (p *Pool) QueuedCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.queued)
}

// SubmitQueued submits every enqueued unit in the order they were enqueued, each with its own fence. With
// block set, it waits for all of them to complete.
func (p *Pool) SubmitQueued(block bool) error {
	p.logger.Debug("Pool::SubmitQueued")

	p.mutex.Lock()
	queued := p.queued
	p.queued = nil

	var fences []gpu.Fence
	for index, unit := range queued {
		unit.queued = false

		err := p.checkSubmittable(unit)
		if err == nil {
			err = p.submit(unit, gpu.SubmitInfo{})
		}
		if err != nil {
			// Units that never reached the queue go back on it
			for _, remaining := range queued[index:] {
				remaining.queued = true
			}
			p.queued = append(queued[index:], p.queued...)
			p.mutex.Unlock()
			return err
		}

		fences = append(fences, unit.fence)
	}
	p.mutex.Unlock()

	if !block {
		return nil
	}

	for _, fence := range fences {
		err := waitForFence(fence)
		if err != nil {
			return err
		}
	}

	return nil
}

// PipelineBarrier records a barrier between srcStage and dstStage into a one-shot unit and submits it,
// waiting for it to complete
func (p *Pool) PipelineBarrier(srcStage, dstStage core1_0.PipelineStageFlags) error {
	p.logger.Debug("Pool::PipelineBarrier")

	unit, err := p.GetUnit(true)
	if err != nil {
		return err
	}

	err = unit.commandBuffer.PipelineBarrier(srcStage, dstStage)
	if err != nil {
		_ = p.Return(unit)
		return errors.Wrap(err, "failed to record a pipeline barrier")
	}

	err = unit.End()
	if err != nil {
		_ = p.Return(unit)
		return err
	}

	return p.Submit(unit, true)
}

// Destroy frees every unit's fence, the descriptor pool if one is live, and the underlying command pool.
// The caller must make sure the device has finished with the pool's units first.
func (p *Pool) Destroy() {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		p.logger.Warn("command pool destroyed twice", slog.Int("queueFamilyIndex", p.queueFamilyIndex))
		return
	}

	if p.descriptorPool != nil {
		p.descriptorPool.Destroy()
		p.descriptorPool = nil
	}

	for _, unit := range p.order {
		unit.fence.Destroy()
	}
	p.commandPool.Destroy()

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "command pool destroyed",
		slog.Int("queueFamilyIndex", p.queueFamilyIndex),
		slog.Int("units", len(p.order)),
	)

	p.order = nil
	p.queued = nil
	p.units = swiss.NewMap[int, *Unit](8)
	p.destroyed = true
}
