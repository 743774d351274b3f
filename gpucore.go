// Package gpucore manages the lifetime of GPU memory, command execution units, resources and in-flight
// frames for a renderer. Core wires the pieces together for one device: an arena.Allocator, a graphics and
// a transfer command.Pool, a frame.Tracker and the resource.Context used to create buffers and textures.
package gpucore

import (
	"context"
	"io"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/frame"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/resource"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific Core behaviors to activate or deactivate
type CreateFlags int32

var coreCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	coreCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return coreCreateFlagsMapping.FlagsToString(f)
}

const (
	// CoreCreateExternallySynchronized promises that the allocator and both command pools will only be used
	// from one goroutine at a time, so none of them take locks
	CoreCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CoreCreateExternallySynchronized.Register("CoreCreateExternallySynchronized")
}

type CreateOptions struct {
	Flags CreateFlags

	// ArenaChunkSize is the size of each arena. Defaults to arena.DefaultChunkSize.
	ArenaChunkSize int
	// ArenaCallbacks is passed through to the allocator
	ArenaCallbacks *arena.ArenaCallbacks
	// MaxFramesInFlight defaults to frame.DefaultMaxFramesInFlight
	MaxFramesInFlight int

	GraphicsQueueFamily int
	TransferQueueFamily int

	// GraphicsTransient hints that graphics units are short-lived
	GraphicsTransient bool
	// TransferPersistent turns off the transient hint the transfer pool otherwise carries
	TransferPersistent bool
}

// Core owns every lifetime manager for one device. Destroy it once the renderer is done with the device.
type Core struct {
	logger *slog.Logger
	device gpu.Device

	allocator *arena.Allocator
	graphics  *command.Pool
	transfer  *command.Pool
	frames    *frame.Tracker

	destroyed bool
}

// New creates a Core for device. Both pools are bound to queue 0 of their family.
//
// logger - Shared by every component. If nil, output is discarded.
//
// device - The device everything is created from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Core, error) {
	if device == nil {
		return nil, errors.New("device may not be nil")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	var allocatorFlags arena.CreateFlags
	var poolFlags command.CreateFlags
	if options.Flags&CoreCreateExternallySynchronized != 0 {
		allocatorFlags |= arena.AllocatorCreateExternallySynchronized
	} else {
		poolFlags |= command.PoolCreateSynchronized
	}

	core := &Core{
		logger: logger,
		device: device,
	}

	var err error
	core.allocator, err = arena.New(logger, device, arena.CreateOptions{
		Flags:          allocatorFlags,
		ChunkSize:      options.ArenaChunkSize,
		ArenaCallbacks: options.ArenaCallbacks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the allocator")
	}

	core.graphics, err = newBoundPool(logger, device, command.CreateOptions{
		QueueFamilyIndex: options.GraphicsQueueFamily,
		Transient:        options.GraphicsTransient,
		Flags:            poolFlags,
	})
	if err != nil {
		core.teardown()
		return nil, errors.Wrap(err, "failed to create the graphics pool")
	}

	core.transfer, err = newBoundPool(logger, device, command.CreateOptions{
		QueueFamilyIndex: options.TransferQueueFamily,
		Transient:        !options.TransferPersistent,
		Flags:            poolFlags,
	})
	if err != nil {
		core.teardown()
		return nil, errors.Wrap(err, "failed to create the transfer pool")
	}

	core.frames, err = frame.NewTracker(logger, device, core.graphics, frame.CreateOptions{
		MaxFramesInFlight: options.MaxFramesInFlight,
	})
	if err != nil {
		core.teardown()
		return nil, errors.Wrap(err, "failed to create the frame tracker")
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "gpu core created",
		slog.Int("graphicsQueueFamily", options.GraphicsQueueFamily),
		slog.Int("transferQueueFamily", options.TransferQueueFamily),
		slog.Int("maxFramesInFlight", core.frames.MaxFramesInFlight()),
		slog.String("flags", options.Flags.String()),
	)
	return core, nil
}

func newBoundPool(logger *slog.Logger, device gpu.Device, options command.CreateOptions) (*command.Pool, error) {
	pool, err := command.NewPool(logger, device, options)
	if err != nil {
		return nil, err
	}

	err = pool.SetQueue(device.GetQueue(options.QueueFamilyIndex, 0))
	if err != nil {
		pool.Destroy()
		return nil, err
	}

	return pool, nil
}

func (c *Core) Device() gpu.Device          { return c.device }
func (c *Core) Allocator() *arena.Allocator { return c.allocator }
func (c *Core) GraphicsPool() *command.Pool { return c.graphics }
func (c *Core) TransferPool() *command.Pool { return c.transfer }
func (c *Core) Frames() *frame.Tracker      { return c.frames }
func (c *Core) Resources() resource.Context {
	return resource.Context{
		Logger:    c.logger,
		Device:    c.device,
		Allocator: c.allocator,
		Transfer:  c.transfer,
	}
}

// RecreateSwapchainState drops every frame slot once the device is done with it. Call it when the
// swapchain is recreated: new slots are created on demand by the next frames.
func (c *Core) RecreateSwapchainState() error {
	c.logger.Debug("Core::RecreateSwapchainState")

	if c.destroyed {
		return errors.New("core has been destroyed")
	}

	return c.frames.Reset()
}

// Destroy waits for the device to go idle, then releases the frame slots, both command pools and finally
// every arena. Allocations still live at that point are reported through the returned error, which is
// marked with arena.ErrUnreleasedAllocations.
func (c *Core) Destroy() error {
	c.logger.Debug("Core::Destroy")

	if c.destroyed {
		c.logger.Warn("gpu core destroyed twice")
		return nil
	}

	var outErr error
	res, err := c.device.WaitIdle()
	if err == nil && res != core1_0.VKSuccess {
		err = errors.Newf("waiting for the device to go idle returned %s", res)
	}
	if err != nil {
		outErr = errors.Wrap(err, "failed to wait for the device")
	}

	return errors.CombineErrors(outErr, c.teardown())
}

// teardown releases whatever has been created so far
func (c *Core) teardown() error {
	var outErr error

	if c.frames != nil {
		err := c.frames.Destroy()
		if err != nil {
			outErr = errors.CombineErrors(outErr, errors.Wrap(err, "failed to destroy the frame tracker"))
		}
	}
	if c.graphics != nil {
		c.graphics.Destroy()
	}
	if c.transfer != nil {
		c.transfer.Destroy()
	}
	if c.allocator != nil {
		err := c.allocator.ReleaseAll()
		if err != nil {
			outErr = errors.CombineErrors(outErr, err)
		}
	}

	c.destroyed = true
	return outErr
}
