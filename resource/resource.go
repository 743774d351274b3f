// Package resource implements buffers and textures on top of arena allocations. Resources that live in
// device-local memory keep a host-visible staging buffer beside them and upload through the transfer pool.
package resource

import (
	"io"

	"github.com/catastrophic-engine/gpucore/arena"
	"github.com/catastrophic-engine/gpucore/command"
	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

var (
	ErrNotMappable      = errors.New("resource is not host-visible")
	ErrAlreadyMapped    = errors.New("resource is already mapped")
	ErrNotMapped        = errors.New("resource is not mapped")
	ErrDestroyed        = errors.New("resource has been destroyed")
	ErrNotAllocated     = errors.New("resource has no memory allocated")
	ErrAlreadyAllocated = errors.New("resource already has memory allocated")
)

// Resource is the capability set shared by every buffer and texture
type Resource interface {
	Destroy() error
	AllocateMemory() error
	Update(data []byte) error
	Map() ([]byte, error)
	Unmap() error
}

// Context carries the collaborators every resource is created against. Transfer is only needed by
// resources that stage their uploads.
type Context struct {
	Logger    *slog.Logger
	Device    gpu.Device
	Allocator *arena.Allocator
	Transfer  *command.Pool
}

func (c Context) validate(staged bool) (Context, error) {
	if c.Device == nil {
		return c, errors.New("resource context has no device")
	}
	if c.Allocator == nil {
		return c, errors.New("resource context has no allocator")
	}
	if staged && c.Transfer == nil {
		return c, errors.New("resource context has no transfer pool for staged uploads")
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard))
	}
	return c, nil
}

// State is where a resource is in its lifetime
type State int32

const (
	StateUninitialized State = iota
	StateMemoryAllocated
	StateDestroyed
)

var stateMapping = map[State]string{
	StateUninitialized:   "Uninitialized",
	StateMemoryAllocated: "MemoryAllocated",
	StateDestroyed:       "Destroyed",
}

func (s State) String() string {
	return stateMapping[s]
}

// StagingState tracks the staging half of a device-local resource through each upload
type StagingState int32

const (
	StagingNone StagingState = iota
	StagingAllocated
	StagingWritten
	StagingCopyInFlight
	StagingIdle
)

var stagingStateMapping = map[StagingState]string{
	StagingNone:         "NoStaging",
	StagingAllocated:    "StagingAllocated",
	StagingWritten:      "StagingWritten",
	StagingCopyInFlight: "CopyInFlight",
	StagingIdle:         "StagingIdle",
}

func (s StagingState) String() string {
	return stagingStateMapping[s]
}

// upload copies staging into its destination on a transient unit from the transfer pool and waits for the
// copy to finish. record writes the copy command.
func upload(pool *command.Pool, record func(commandBuffer gpu.CommandBuffer) error, stagingState *StagingState) error {
	unit, err := pool.GetUnit(true)
	if err != nil {
		return errors.Wrap(err, "failed to get a transfer unit")
	}

	err = record(unit.CommandBuffer())
	if err != nil {
		_ = pool.Return(unit)
		return errors.Wrap(err, "failed to record the staging copy")
	}

	err = unit.End()
	if err != nil {
		_ = pool.Return(unit)
		return err
	}

	*stagingState = StagingCopyInFlight
	err = pool.Submit(unit, true)
	if err != nil {
		return errors.Wrap(err, "failed to submit the staging copy")
	}

	*stagingState = StagingIdle
	return nil
}
