// Package arena carves device memory into suballocations. Each memory type gets a list of fixed-size
// arenas, allocated from the device on demand and kept until ReleaseAll. Allocations are placed first-fit
// in the first arena of the right memory type that has room, so a steady workload reuses the same
// ranges instead of growing.
package arena

import (
	"context"
	"fmt"
	"strconv"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Statistics breaks allocator usage down by memory type
type Statistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedUsage
	Total       memutils.DetailedUsage
}

type Allocator struct {
	logger *slog.Logger
	device gpu.Device
	mutex  utils.OptionalMutex

	createFlags            CreateFlags
	chunkSize              int
	bufferImageGranularity int
	callbacks              *ArenaCallbacks

	memoryTypes      *memoryTypes
	arenas           []*memoryArena
	nextArenaID      int
	nextAllocationID AllocationID
	allocations      *swiss.Map[AllocationID, *Allocation]
}

// ChunkSize is the size of a regular arena
func (a *Allocator) ChunkSize() int {
	return a.chunkSize
}

// ArenaCount is the number of arenas currently holding device memory
func (a *Allocator) ArenaCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.arenas)
}

// AllocationCount is the number of live allocations across all arenas
func (a *Allocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocations.Count()
}

// MemoryTypeProperties returns the properties of one of the device's memory types
func (a *Allocator) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return a.memoryTypes.Properties(memoryTypeIndex)
}

// FindMemoryTypeIndex reports the memory type an allocation with the provided requirement bits and
// create info would be placed in
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, common.VkResult, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	return a.memoryTypes.findMemoryTypeIndex(memoryTypeBits, o.PropertyFlags, o.PreferredFlags)
}

func (a *Allocator) arenaClass(class ResourceClass) ResourceClass {
	if a.bufferImageGranularity <= 1 {
		return ResourceClassUnknown
	}

	return class
}

// AllocateMemory places an allocation satisfying memoryRequirements in an arena of a memory type that
// carries o.PropertyFlags, creating the arena if none has room
func (a *Allocator) AllocateMemory(memoryRequirements *core1_0.MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	if outAlloc == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate into a nil allocation")
	} else if memoryRequirements == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate with nil memory requirements")
	}

	if memoryRequirements.Size <= 0 {
		return core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", memoryRequirements.Size)
	}

	alignment := uint(memoryRequirements.Alignment)
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "memoryRequirements.Alignment")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	memoryTypeBits := memoryRequirements.MemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	memTypeIndex, res, err := a.memoryTypes.findMemoryTypeIndex(memoryTypeBits, o.PropertyFlags, o.PreferredFlags)
	if err != nil {
		a.logger.Debug("  AllocateMemory FAILED", slog.Any("error", err))
		return res, err
	}

	for {
		res, err = a.allocateMemoryOfType(memTypeIndex, memoryRequirements.Size, alignment, &o, outAlloc)
		if err == nil {
			return res, nil
		}

		// Remove the failed memory type and try the next best one
		memoryTypeBits &= ^(1 << memTypeIndex)
		var findErr error
		memTypeIndex, _, findErr = a.memoryTypes.findMemoryTypeIndex(memoryTypeBits, o.PropertyFlags, o.PreferredFlags)
		if findErr != nil {
			a.logger.Debug("  AllocateMemory FAILED", slog.Any("error", err))
			return res, err
		}
	}
}

func (a *Allocator) allocateMemoryOfType(memoryTypeIndex int, size int, alignment uint, o *AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", size))

	alignment = memutils.MaxAlignment(alignment, a.memoryTypes.MinimumAlignment(memoryTypeIndex))
	class := a.arenaClass(o.ResourceClass)

	outAlloc.init(a, a.nextAllocationID+1, size, alignment, memoryTypeIndex, o)

	for _, arena := range a.arenas {
		if arena.memoryTypeIndex != memoryTypeIndex || arena.class != class {
			continue
		}

		placed, err := arena.tryAllocate(size, alignment, outAlloc)
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}

		if placed {
			a.commitAllocation(outAlloc)
			return core1_0.VKSuccess, nil
		}
	}

	arena, res, err := a.createArena(memoryTypeIndex, class, size)
	if err != nil {
		return res, err
	}

	placed, err := arena.tryAllocate(size, alignment, outAlloc)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	if !placed {
		panic(fmt.Sprintf("a new %d byte arena could not hold a %d byte allocation", arena.Size(), size))
	}

	a.commitAllocation(outAlloc)
	return core1_0.VKSuccess, nil
}

func (a *Allocator) commitAllocation(alloc *Allocation) {
	a.nextAllocationID = alloc.id
	a.allocations.Put(alloc.id, alloc)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation placed",
		slog.Int("id", int(alloc.id)),
		slog.Int("arena", alloc.arena.id),
		slog.Int("offset", alloc.offset),
		slog.Int("size", alloc.size),
	)
}

func (a *Allocator) createArena(memoryTypeIndex int, class ResourceClass, minimumSize int) (*memoryArena, common.VkResult, error) {
	arenaSize := a.chunkSize
	if minimumSize > arenaSize {
		arenaSize = memutils.RoundUpToMultiple(minimumSize, a.chunkSize)
	}

	for shift := 0; ; shift++ {
		memory, res, err := a.device.AllocateMemory(memoryTypeIndex, arenaSize)
		if err == nil {
			if a.callbacks != nil && a.callbacks.Allocate != nil {
				a.callbacks.Allocate(a, memoryTypeIndex, memory, arenaSize, a.callbacks.UserData)
			}

			arena := newMemoryArena(a.logger, a.nextArenaID, memoryTypeIndex, class, newMappedMemory(memory, a.mutex.UseMutex), arenaSize)
			a.nextArenaID++
			a.arenas = append(a.arenas, arena)

			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena created",
				slog.Int("id", arena.id),
				slog.Int("memoryTypeIndex", memoryTypeIndex),
				slog.Int("size", arenaSize),
				slog.String("resourceClass", class.String()),
			)
			return arena, res, nil
		}

		outOfMemory := res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory
		if !outOfMemory || shift >= arenaSizeShiftLimit || arenaSize/2 < minimumSize {
			return nil, res, errors.Wrapf(err, "failed to allocate a %d byte arena from memory type %d", arenaSize, memoryTypeIndex)
		}

		arenaSize /= 2
	}
}

// AllocateMemoryForBuffer allocates memory suitable for buffer and binds the buffer to it
func (a *Allocator) AllocateMemoryForBuffer(buffer gpu.Buffer, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemoryForBuffer")

	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil buffer")
	}

	o.ResourceClass = ResourceClassLinear
	res, err := a.AllocateMemory(buffer.MemoryRequirements(), o, outAlloc)
	if err != nil {
		return res, err
	}

	res, err = outAlloc.BindBuffer(buffer)
	if err != nil {
		a.Release(outAlloc.ID())
		return res, errors.Wrap(err, "failed to bind buffer memory")
	}

	return res, nil
}

// AllocateMemoryForImage allocates memory suitable for image and binds the image to it
func (a *Allocator) AllocateMemoryForImage(image gpu.Image, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemoryForImage")

	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil image")
	}

	o.ResourceClass = ResourceClassOptimal
	res, err := a.AllocateMemory(image.MemoryRequirements(), o, outAlloc)
	if err != nil {
		return res, err
	}

	res, err = outAlloc.BindImage(image)
	if err != nil {
		a.Release(outAlloc.ID())
		return res, errors.Wrap(err, "failed to bind image memory")
	}

	return res, nil
}

// Release hands an allocation's range back to its arena. The arena's device memory is kept for later
// allocations. Releasing an unknown or already released id does nothing.
func (a *Allocator) Release(id AllocationID) {
	a.logger.Debug("Allocator::Release", slog.Int("id", int(id)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.allocations.Get(id)
	if !ok {
		a.logger.Debug("  released an allocation that is not live", slog.Int("id", int(id)))
		return
	}

	if alloc.mapped {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "released an allocation that was still mapped",
			slog.Int("id", int(id)),
			slog.String("name", alloc.name),
		)
		err := alloc.unmap()
		if err != nil {
			panic(fmt.Sprintf("failed to unmap allocation %d during release: %+v", id, err))
		}
	}

	err := alloc.arena.free(alloc)
	if err != nil {
		panic(fmt.Sprintf("allocation %d was tracked but its arena had no record of it: %+v", id, err))
	}

	a.allocations.Delete(id)
	alloc.invalidate()
}

// ReleaseAll frees the device memory of every arena. Allocations that were still live are logged,
// invalidated and dropped. In that case the returned error is marked with ErrUnreleasedAllocations.
func (a *Allocator) ReleaseAll() error {
	a.logger.Debug("Allocator::ReleaseAll")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var outErr error
	for _, arena := range a.arenas {
		if a.callbacks != nil && a.callbacks.Free != nil {
			a.callbacks.Free(a, arena.memoryTypeIndex, arena.memory.memory, arena.Size(), a.callbacks.UserData)
		}

		err := arena.Destroy()
		if err != nil {
			outErr = errors.CombineErrors(outErr, err)
		}
	}

	a.arenas = nil
	a.allocations = swiss.NewMap[AllocationID, *Allocation](64)

	return outErr
}

// Validate checks the bookkeeping of every arena
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	liveAllocations := 0
	for _, arena := range a.arenas {
		err := arena.Validate()
		if err != nil {
			return errors.Wrapf(err, "arena %d failed validation", arena.id)
		}
		liveAllocations += arena.metadata.AllocationCount()
	}

	if liveAllocations != a.allocations.Count() {
		return errors.Newf("arenas hold %d allocations, but %d are tracked", liveAllocations, a.allocations.Count())
	}

	return nil
}

// CalculateStatistics fills stats with the current usage of every memory type
func (a *Allocator) CalculateStatistics(stats *Statistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	*stats = Statistics{}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, arena := range a.arenas {
		arena.metadata.AddDetailedUsage(&stats.MemoryTypes[arena.memoryTypeIndex])
	}

	for typeIndex := 0; typeIndex < a.memoryTypes.Count(); typeIndex++ {
		stats.Total.Merge(&stats.MemoryTypes[typeIndex])
	}
}

func printUsage(json *jwriter.ObjectState, usage *memutils.DetailedUsage) {
	json.Name("ArenaCount").Int(usage.Arenas)
	json.Name("ArenaBytes").Int(usage.ArenaBytes)
	json.Name("AllocationCount").Int(usage.Allocations)
	json.Name("AllocationBytes").Int(usage.AllocatedBytes)
	json.Name("FreeBytes").Int(usage.FreeBytes())
	json.Name("Occupancy").Float64(usage.Occupancy())
	json.Name("UnusedRangeCount").Int(usage.FreeRanges.Count)

	if !usage.AllocationSizes.Empty() {
		json.Name("AllocationSizeMin").Int(usage.AllocationSizes.Min)
		json.Name("AllocationSizeMax").Int(usage.AllocationSizes.Max)
	}

	if !usage.FreeRanges.Empty() {
		json.Name("UnusedRangeSizeMin").Int(usage.FreeRanges.Min)
		json.Name("UnusedRangeSizeMax").Int(usage.FreeRanges.Max)
	}
}

// BuildStatsString produces a JSON document describing the allocator's usage. With detailedMap set, every
// arena's ranges are listed individually.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats Statistics
	a.CalculateStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("ChunkSize").Int(a.chunkSize)
	general.Name("BufferImageGranularity").Int(a.bufferImageGranularity)
	general.Name("MemoryTypeCount").Int(a.memoryTypes.Count())
	general.End()

	total := root.Name("Total").Object()
	printUsage(&total, &stats.Total)
	total.End()

	typesObj := root.Name("MemoryTypes").Object()
	for typeIndex := 0; typeIndex < a.memoryTypes.Count(); typeIndex++ {
		typeObj := typesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		typeObj.Name("PropertyFlags").String(a.memoryTypes.Properties(typeIndex).PropertyFlags.String())

		typeStats := typeObj.Name("Stats").Object()
		printUsage(&typeStats, &stats.MemoryTypes[typeIndex])
		typeStats.End()

		if detailedMap {
			arenasObj := typeObj.Name("Arenas").Object()
			for _, arena := range a.arenas {
				if arena.memoryTypeIndex != typeIndex {
					continue
				}

				arenaObj := arenasObj.Name(strconv.Itoa(arena.id)).Object()
				arena.printDetailedMap(&arenaObj)
				arenaObj.End()
			}
			arenasObj.End()
		}

		typeObj.End()
	}
	typesObj.End()

	root.End()

	return string(writer.Bytes())
}
