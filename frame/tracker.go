// Package frame tracks the frames the device is working on concurrently. Each slot owns a dedicated
// execution unit and its acquire/present semaphores, and is reused once its fence reports the previous
// frame finished.
package frame

import (
	"context"
	"io"

	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// DefaultMaxFramesInFlight is used when CreateOptions.MaxFramesInFlight is left at 0
const DefaultMaxFramesInFlight = 2

var (
	// ErrAllFramesHandedOut is returned by GetAvailableFrame when every slot has been handed out and none of
	// them has been submitted yet
	ErrAllFramesHandedOut = errors.New("every frame slot is handed out")
	ErrForeignFrame       = errors.New("frame belongs to a different tracker")
	ErrFrameNotHandedOut  = errors.New("frame was not handed out by GetAvailableFrame")
)

type CreateOptions struct {
	// MaxFramesInFlight caps the number of frame slots. Defaults to DefaultMaxFramesInFlight.
	MaxFramesInFlight int
}

// Tracker hands out frame slots to the render loop. It is meant to be driven from one goroutine.
type Tracker struct {
	logger *slog.Logger
	device gpu.Device
	pool   *command.Pool

	maxFrames   int
	frames      []*Frame
	submissions uint64
}

// NewTracker creates a tracker whose frame slots take dedicated units from pool. The pool must be bound to
// a graphics queue before the first Submit.
func NewTracker(logger *slog.Logger, device gpu.Device, pool *command.Pool, options CreateOptions) (*Tracker, error) {
	if device == nil {
		return nil, errors.New("device may not be nil")
	}
	if pool == nil {
		return nil, errors.New("command pool may not be nil")
	}
	if options.MaxFramesInFlight < 0 {
		return nil, errors.Newf("invalid frames in flight %d", options.MaxFramesInFlight)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	maxFrames := options.MaxFramesInFlight
	if maxFrames == 0 {
		maxFrames = DefaultMaxFramesInFlight
	}

	return &Tracker{
		logger:    logger,
		device:    device,
		pool:      pool,
		maxFrames: maxFrames,
	}, nil
}

func (t *Tracker) MaxFramesInFlight() int { return t.maxFrames }

// FrameCount is the number of frame slots that currently exist
func (t *Tracker) FrameCount() int { return len(t.frames) }

// GetAvailableFrame returns the first slot whose previous frame has finished executing. If every slot is
// still busy, a new slot is created while there are fewer than MaxFramesInFlight. Otherwise it waits for
// the least recently submitted slot to finish.
func (t *Tracker) GetAvailableFrame() (*Frame, error) {
	t.logger.Debug("Tracker::GetAvailableFrame")

	for _, frame := range t.frames {
		if frame.handedOut {
			continue
		}

		signaled, err := gpu.FenceSignaled(frame.Fence())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to poll the fence of frame %d", frame.index)
		}
		if signaled {
			frame.handedOut = true
			return frame, nil
		}
	}

	if len(t.frames) < t.maxFrames {
		frame, err := t.createFrame()
		if err != nil {
			return nil, err
		}
		frame.handedOut = true
		return frame, nil
	}

	var oldest *Frame
	for _, frame := range t.frames {
		if frame.handedOut {
			continue
		}
		if oldest == nil || frame.submission < oldest.submission {
			oldest = frame
		}
	}
	if oldest == nil {
		return nil, ErrAllFramesHandedOut
	}

	res, err := oldest.Fence().Wait(gpu.NoTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to wait for frame %d", oldest.index)
	}
	if res != core1_0.VKSuccess {
		return nil, errors.Newf("waiting for frame %d returned %s", oldest.index, res)
	}

	oldest.handedOut = true
	return oldest, nil
}

func (t *Tracker) createFrame() (*Frame, error) {
	imageAcquired, _, err := t.device.CreateSemaphore()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the image-acquired semaphore")
	}

	renderFinished, _, err := t.device.CreateSemaphore()
	if err != nil {
		imageAcquired.Destroy()
		return nil, errors.Wrap(err, "failed to create the render-finished semaphore")
	}

	unit, err := t.pool.AcquireDedicatedUnit()
	if err != nil {
		imageAcquired.Destroy()
		renderFinished.Destroy()
		return nil, errors.Wrap(err, "failed to get a unit for a frame slot")
	}

	frame := &Frame{
		index:          len(t.frames),
		tracker:        t,
		unit:           unit,
		imageAcquired:  imageAcquired,
		renderFinished: renderFinished,
	}
	t.frames = append(t.frames, frame)

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "frame slot created",
		slog.Int("index", frame.index),
		slog.Int("frames", len(t.frames)),
		slog.Int("maxFrames", t.maxFrames),
	)
	return frame, nil
}

// Submit submits the frame's recorded unit. The submission waits on ImageAcquired at waitStage, and
// signals RenderFinished and the frame's fence when it completes.
func (t *Tracker) Submit(frame *Frame, waitStage core1_0.PipelineStageFlags) error {
	t.logger.Debug("Tracker::Submit")

	if frame == nil || frame.tracker != t {
		return ErrForeignFrame
	}
	if !frame.handedOut {
		return errors.Wrapf(ErrFrameNotHandedOut, "failed to submit frame %d", frame.index)
	}

	_, err := t.pool.SubmitWithSync(frame.unit,
		[]gpu.Semaphore{frame.imageAcquired},
		[]core1_0.PipelineStageFlags{waitStage},
		[]gpu.Semaphore{frame.renderFinished},
	)
	if err != nil {
		return errors.Wrapf(err, "failed to submit frame %d", frame.index)
	}

	t.submissions++
	frame.submission = t.submissions
	frame.handedOut = false
	return nil
}

// Reset waits for every frame slot to finish, destroys its semaphores and hands its unit back to the pool.
// Slots are created again lazily by GetAvailableFrame, so Reset is used when the swapchain is recreated.
func (t *Tracker) Reset() error {
	t.logger.Debug("Tracker::Reset")

	var outErr error
	for _, frame := range t.frames {
		res, err := frame.Fence().Wait(gpu.NoTimeout)
		if err == nil && res != core1_0.VKSuccess {
			err = errors.Newf("waiting for frame %d returned %s", frame.index, res)
		}
		if err != nil {
			outErr = errors.CombineErrors(outErr, errors.Wrapf(err, "failed to wait for frame %d", frame.index))
		}

		frame.imageAcquired.Destroy()
		frame.renderFinished.Destroy()

		// A frame abandoned mid-recording still has to give its unit back
		err = t.pool.Return(frame.unit)
		if err == nil {
			err = t.pool.ReleaseDedicatedUnit(frame.unit)
		}
		if err != nil {
			outErr = errors.CombineErrors(outErr, errors.Wrapf(err, "failed to release the unit of frame %d", frame.index))
		}

		frame.tracker = nil
	}

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "frame slots reset",
		slog.Int("frames", len(t.frames)),
	)

	t.frames = nil
	return outErr
}

// Destroy releases every frame slot the same way Reset does. It is used at shutdown.
func (t *Tracker) Destroy() error {
	t.logger.Debug("Tracker::Destroy")

	return t.Reset()
}
