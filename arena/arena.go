package arena

import (
	"context"

	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/catastrophic-engine/gpucore/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// memoryArena is one block of device memory and the bookkeeping for the ranges carved out of it
type memoryArena struct {
	id              int
	memoryTypeIndex int
	class           ResourceClass
	logger          *slog.Logger

	memory   *mappedMemory
	metadata metadata.BlockMetadata
}

func newMemoryArena(logger *slog.Logger, id int, memoryTypeIndex int, class ResourceClass, memory *mappedMemory, size int) *memoryArena {
	if memory == nil {
		panic("attempting to create an arena without backing device memory")
	}

	arena := &memoryArena{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		class:           class,
		logger:          logger,
		memory:          memory,
		metadata:        metadata.NewSortedBlockMetadata(),
	}
	arena.metadata.Init(size)

	return arena
}

func (a *memoryArena) Size() int {
	return a.metadata.Size()
}

// Destroy frees the arena's device memory. Live allocations are logged and dropped, and the returned error
// is marked with ErrUnreleasedAllocations.
func (a *memoryArena) Destroy() error {
	if a.memory == nil {
		panic("attempting to destroy an arena, but it did not have backing device memory")
	}

	var outErr error
	if !a.metadata.IsEmpty() {
		unreleased := 0
		err := a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			unreleased++
			a.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		outErr = errors.Mark(errors.Newf("arena %d still held %d allocations", a.id, unreleased), ErrUnreleasedAllocations)
		a.metadata.Clear()
	}

	a.memory.Free()
	a.memory = nil

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena freed",
		slog.Int("id", a.id),
		slog.Int("memoryTypeIndex", a.memoryTypeIndex),
		slog.Int("size", a.metadata.Size()),
	)

	return outErr
}

func (a *memoryArena) logUnreleasedMemory(offset, size int, userData any) {
	var name string
	allocation, isAllocation := userData.(*Allocation)
	if isAllocation && allocation != nil {
		userData = allocation.UserData()
		name = allocation.Name()
		allocation.invalidate()
	}
	if name == "" {
		name = "empty"
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
		slog.Int("arena", a.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (a *memoryArena) Validate() error {
	if a.memory == nil {
		return errors.New("no valid memory for this arena")
	}
	if a.metadata.Size() < 1 {
		return errors.New("this arena's metadata has an invalid size")
	}

	err := a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Newf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return a.metadata.Validate()
}

// tryAllocate places size bytes in the arena if there is room, returning false if there is not
func (a *memoryArena) tryAllocate(size int, alignment uint, alloc *Allocation) (bool, error) {
	allocType := uint32(alloc.resourceClass)
	found, request, err := a.metadata.CreateAllocationRequest(size, alignment, allocType)
	if err != nil || !found {
		return false, err
	}

	err = a.metadata.Alloc(request, allocType, alloc)
	if err != nil {
		return false, err
	}

	alloc.arena = a
	alloc.handle = request.BlockAllocationHandle
	alloc.offset = request.Item.Offset
	memutils.DebugValidate(a)

	return true, nil
}

func (a *memoryArena) free(alloc *Allocation) error {
	err := a.metadata.Free(alloc.handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(a)
	return nil
}

func (a *memoryArena) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("MemoryTypeIndex").Int(a.memoryTypeIndex)
	json.Name("ResourceClass").String(a.class.String())
	json.Name("MapReferences").Int(a.memory.References())
	a.printRegions(json)
}

func (a *memoryArena) printRegions(json *jwriter.ObjectState) {
	a.metadata.BlockJsonData(json, func(region *jwriter.ObjectState, userData any) {
		alloc, isAllocation := userData.(*Allocation)
		if isAllocation && alloc != nil {
			alloc.printParameters(region)
		}
	})
}
