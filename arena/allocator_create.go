package arena

import (
	"context"
	"io"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all allocations created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// DefaultChunkSize is the arena size used when CreateOptions.ChunkSize is left at 0. It is equal to 8Mb.
	DefaultChunkSize int = 8 * 1024 * 1024

	// arenaSizeShiftLimit is the number of times the allocator halves a new arena's size after the device
	// runs out of memory before it gives up on the memory type
	arenaSizeShiftLimit = 3
)

type AllocateArenaCallback func(
	allocator *Allocator,
	memoryTypeIndex int,
	memory gpu.DeviceMemory,
	size int,
	userData any,
)

type FreeArenaCallback func(
	allocator *Allocator,
	memoryTypeIndex int,
	memory gpu.DeviceMemory,
	size int,
	userData any,
)

// ArenaCallbacks are invoked whenever the allocator allocates or frees an arena's device memory
type ArenaCallbacks struct {
	Allocate AllocateArenaCallback
	Free     FreeArenaCallback
	UserData any
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// ChunkSize is the size of every arena the allocator creates, apart from arenas created for requests
	// that are larger than it. Defaults to DefaultChunkSize.
	ChunkSize int

	// ArenaCallbacks is an optional set of callbacks that will be executed when an arena's device
	// memory is allocated or freed
	ArenaCallbacks *ArenaCallbacks
}

// New creates a new Allocator
//
// logger - Receives debug traces and unreleased memory reports. If nil, output is discarded.
//
// device - The device that arenas will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("device may not be nil")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	if options.ChunkSize < 0 {
		return nil, errors.Newf("invalid chunk size %d", options.ChunkSize)
	}

	limits := device.Limits()
	if limits == nil {
		return nil, errors.New("device reported nil limits")
	}

	err := memutils.CheckPow2(limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	memoryProperties := device.MemoryProperties()
	if memoryProperties == nil || len(memoryProperties.MemoryTypes) == 0 {
		return nil, errors.New("device reported no memory types")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger: logger,
		device: device,
		mutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		memoryTypes: &memoryTypes{
			properties: memoryProperties,
			limits:     limits,
		},
		createFlags:            options.Flags,
		chunkSize:              options.ChunkSize,
		bufferImageGranularity: limits.BufferImageGranularity,
		callbacks:              options.ArenaCallbacks,
		allocations:            swiss.NewMap[AllocationID, *Allocation](64),
	}

	if allocator.chunkSize == 0 {
		allocator.chunkSize = DefaultChunkSize
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "allocator created",
		slog.Int("chunkSize", allocator.chunkSize),
		slog.Int("memoryTypes", allocator.memoryTypes.Count()),
		slog.Int("bufferImageGranularity", allocator.bufferImageGranularity),
		slog.String("flags", options.Flags.String()),
	)

	return allocator, nil
}
