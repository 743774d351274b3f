package frame

import (
	"math/rand"
	"testing"

	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/gpu/gputest"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func readyTracker(t *testing.T, device *gputest.Device, maxFrames int) (*Tracker, *command.Pool) {
	pool, err := command.NewPool(nil, device, command.CreateOptions{QueueFamilyIndex: 0})
	require.NoError(t, err)
	require.NoError(t, pool.SetQueue(device.GetQueue(0, 0)))

	tracker, err := NewTracker(nil, device, pool, CreateOptions{MaxFramesInFlight: maxFrames})
	require.NoError(t, err)

	return tracker, pool
}

// renderFrame plays the part of the render loop: acquire an image, record and submit
func renderFrame(t *testing.T, tracker *Tracker, frame *Frame, imageIndex int) {
	frame.SetImageIndex(imageIndex)
	frame.ImageAcquired().(*gputest.Semaphore).Signal()

	require.NoError(t, frame.Unit().Begin())
	require.NoError(t, frame.Unit().CommandBuffer().PipelineBarrier(core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageColorAttachmentOutput))
	require.NoError(t, frame.Unit().End())
	require.NoError(t, tracker.Submit(frame, core1_0.PipelineStageColorAttachmentOutput))
}

func TestNewTracker_Defaults(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	pool, err := command.NewPool(nil, device, command.CreateOptions{})
	require.NoError(t, err)

	tracker, err := NewTracker(nil, device, pool, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxFramesInFlight, tracker.MaxFramesInFlight())
	require.Equal(t, 0, tracker.FrameCount())

	_, err = NewTracker(nil, device, pool, CreateOptions{MaxFramesInFlight: -1})
	require.Error(t, err)

	_, err = NewTracker(nil, device, nil, CreateOptions{})
	require.Error(t, err)
}

func TestTracker_ReusesFinishedSlot(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, _ := readyTracker(t, device, 3)

	frame, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.Equal(t, 1, tracker.FrameCount())
	renderFrame(t, tracker, frame, 0)

	device.Complete()
	require.True(t, frame.RenderFinished().(*gputest.Semaphore).Consume())

	again, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.Same(t, frame, again)
	require.Equal(t, 1, tracker.FrameCount())
	require.Empty(t, device.ValidationErrors())
}

func TestTracker_BusySlotsGrowToTheLimit(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, _ := readyTracker(t, device, 2)

	first, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	renderFrame(t, tracker, first, 0)

	second, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, tracker.FrameCount())
	renderFrame(t, tracker, second, 1)
	require.Equal(t, 2, device.PendingSubmissions())

	// Both slots are busy and the limit is reached, so the oldest is waited on
	third, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.Same(t, first, third)
	require.Equal(t, 2, tracker.FrameCount())
	require.Equal(t, 1, device.PendingSubmissions())
	require.True(t, first.RenderFinished().(*gputest.Semaphore).Signaled())
	require.False(t, second.RenderFinished().(*gputest.Semaphore).Signaled())
}

func TestTracker_AllSlotsHandedOut(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, _ := readyTracker(t, device, 1)

	frame, err := tracker.GetAvailableFrame()
	require.NoError(t, err)

	_, err = tracker.GetAvailableFrame()
	require.ErrorIs(t, err, ErrAllFramesHandedOut)

	renderFrame(t, tracker, frame, 0)
	again, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.Same(t, frame, again)
}

func TestTracker_SubmitValidation(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, _ := readyTracker(t, device, 2)
	other, _ := readyTracker(t, device, 2)

	frame, err := other.GetAvailableFrame()
	require.NoError(t, err)
	require.NoError(t, frame.Unit().Begin())
	require.NoError(t, frame.Unit().End())
	require.ErrorIs(t, tracker.Submit(frame, core1_0.PipelineStageColorAttachmentOutput), ErrForeignFrame)
	require.ErrorIs(t, tracker.Submit(nil, core1_0.PipelineStageColorAttachmentOutput), ErrForeignFrame)

	frame.ImageAcquired().(*gputest.Semaphore).Signal()
	require.NoError(t, other.Submit(frame, core1_0.PipelineStageColorAttachmentOutput))
	require.ErrorIs(t, other.Submit(frame, core1_0.PipelineStageColorAttachmentOutput), ErrFrameNotHandedOut)

	recording, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.NoError(t, recording.Unit().Begin())
	require.ErrorIs(t, tracker.Submit(recording, core1_0.PipelineStageColorAttachmentOutput), command.ErrStillRecording)
}

func TestTracker_DedicatedUnitsStayOutOfThePool(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, pool := readyTracker(t, device, 2)

	frame, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	renderFrame(t, tracker, frame, 0)
	device.Complete()

	unit, err := pool.GetUnit(false)
	require.NoError(t, err)
	require.NotSame(t, frame.Unit(), unit)
	require.NoError(t, pool.Return(unit))
}

func TestTracker_NeverExceedsMaxFramesInFlight(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	const maxFrames = 3
	tracker, _ := readyTracker(t, device, maxFrames)

	random := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		frame, err := tracker.GetAvailableFrame()
		require.NoError(t, err)
		require.LessOrEqual(t, tracker.FrameCount(), maxFrames)
		require.LessOrEqual(t, device.PendingSubmissions(), maxFrames-1)

		// Present consumed the slot's previous render-finished signal
		frame.RenderFinished().(*gputest.Semaphore).Consume()

		renderFrame(t, tracker, frame, i%maxFrames)
		require.LessOrEqual(t, device.PendingSubmissions(), maxFrames)

		if random.Intn(3) == 0 {
			device.CompleteNext()
		}
	}

	require.Equal(t, maxFrames, tracker.FrameCount())
	require.Empty(t, device.ValidationErrors())
}

func TestTracker_ResetReleasesSlots(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, pool := readyTracker(t, device, 2)

	first, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	renderFrame(t, tracker, first, 0)

	// Abandoned mid-recording
	second, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.NoError(t, second.Unit().Begin())

	semaphoresBefore := device.LiveSemaphores()
	require.Equal(t, 4, semaphoresBefore)

	require.NoError(t, tracker.Reset())
	require.Equal(t, 0, tracker.FrameCount())
	require.Equal(t, 0, device.PendingSubmissions())
	require.Equal(t, 0, device.LiveSemaphores())
	require.True(t, first.ImageAcquired().(*gputest.Semaphore).Destroyed())
	require.True(t, second.RenderFinished().(*gputest.Semaphore).Destroyed())

	// Both units are back in circulation
	a, err := pool.GetUnit(false)
	require.NoError(t, err)
	b, err := pool.GetUnit(false)
	require.NoError(t, err)
	require.ElementsMatch(t, []*command.Unit{first.Unit(), second.Unit()}, []*command.Unit{a, b})
	require.Equal(t, 2, pool.UnitCount())

	// Slots come back lazily
	frame, err := tracker.GetAvailableFrame()
	require.NoError(t, err)
	require.Equal(t, 1, tracker.FrameCount())
	require.Equal(t, 0, frame.Index())
	require.Equal(t, 2, device.LiveSemaphores())
	require.ErrorIs(t, tracker.Submit(first, core1_0.PipelineStageColorAttachmentOutput), ErrForeignFrame)
}

func TestTracker_Destroy(t *testing.T) {
	device := gputest.NewDevice(gputest.DefaultOptions())
	tracker, pool := readyTracker(t, device, 2)

	for i := 0; i < 4; i++ {
		frame, err := tracker.GetAvailableFrame()
		require.NoError(t, err)
		frame.RenderFinished().(*gputest.Semaphore).Consume()
		renderFrame(t, tracker, frame, i%2)
	}

	require.NoError(t, tracker.Destroy())
	require.Equal(t, 0, device.LiveSemaphores())
	pool.Destroy()
	require.Equal(t, 0, device.LiveFences())
	require.Empty(t, device.ValidationErrors())
}
