package frame

import (
	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/gpu"
)

// Frame is one in-flight frame slot: a dedicated execution unit and the pair of semaphores that order it
// against image acquisition and presentation
type Frame struct {
	index          int
	tracker        *Tracker
	unit           *command.Unit
	imageAcquired  gpu.Semaphore
	renderFinished gpu.Semaphore
	imageIndex     int

	handedOut  bool
	submission uint64
}

func (f *Frame) Index() int { return f.index }

// Unit is the frame's dedicated execution unit. Begin it, record the frame's commands and End it before
// Tracker.Submit.
func (f *Frame) Unit() *command.Unit { return f.unit }

// Fence is signaled once the frame's last submission has finished executing
func (f *Frame) Fence() gpu.Fence { return f.unit.Fence() }

// ImageAcquired is the semaphore the presentation engine signals when the frame's swapchain image is ready.
// The frame's submission waits on it.
func (f *Frame) ImageAcquired() gpu.Semaphore { return f.imageAcquired }

// RenderFinished is signaled by the frame's submission. Presentation waits on it.
func (f *Frame) RenderFinished() gpu.Semaphore { return f.renderFinished }

// ImageIndex is the swapchain image the frame is currently rendering to
func (f *Frame) ImageIndex() int         { return f.imageIndex }
func (f *Frame) SetImageIndex(index int) { f.imageIndex = index }
