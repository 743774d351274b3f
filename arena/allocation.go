package arena

import (
	"fmt"
	"unsafe"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// AllocationID uniquely identifies an allocation for the lifetime of its Allocator. IDs are never reused.
type AllocationID uint64

// Allocation is a region of an arena owned by a single resource. The caller owns the Allocation value
// and passes a pointer to it into Allocator.AllocateMemory, which fills it in.
type Allocation struct {
	id        AllocationID
	size      int
	alignment uint
	offset    int
	userData  any
	name      string

	memoryTypeIndex int
	resourceClass   ResourceClass
	mapped          bool

	parentAllocator *Allocator
	arena           *memoryArena
	handle          metadata.BlockAllocationHandle
}

func (a *Allocation) init(allocator *Allocator, id AllocationID, size int, alignment uint, memoryTypeIndex int, o *AllocationCreateInfo) {
	if a.arena != nil {
		panic("attempting to init an allocation that is still live")
	}

	a.id = id
	a.size = size
	a.alignment = alignment
	a.offset = 0
	a.userData = o.UserData
	a.name = o.Name
	a.memoryTypeIndex = memoryTypeIndex
	a.resourceClass = o.ResourceClass
	a.mapped = false
	a.parentAllocator = allocator
	a.handle = metadata.NoAllocation
}

// invalidate detaches the allocation from its arena. The caller must hold the allocator's mutex.
func (a *Allocation) invalidate() {
	a.arena = nil
	a.handle = metadata.NoAllocation
	a.mapped = false
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) ID() AllocationID             { return a.id }
func (a *Allocation) Size() int                    { return a.size }
func (a *Allocation) Alignment() uint              { return a.alignment }
func (a *Allocation) Offset() int                  { return a.offset }
func (a *Allocation) MemoryTypeIndex() int         { return a.memoryTypeIndex }
func (a *Allocation) ResourceClass() ResourceClass { return a.resourceClass }

// Live reports whether the allocation still occupies a range in an arena
func (a *Allocation) Live() bool {
	if a.parentAllocator == nil {
		return false
	}

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	return a.arena != nil
}

// ArenaID identifies the arena the allocation was placed in, or -1 if it has none
func (a *Allocation) ArenaID() int {
	if a.parentAllocator == nil {
		return -1
	}

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	if a.arena == nil {
		return -1
	}
	return a.arena.id
}

func (a *Allocation) PropertyFlags() core1_0.MemoryPropertyFlags {
	if a.parentAllocator == nil {
		return 0
	}
	return a.parentAllocator.memoryTypes.Properties(a.memoryTypeIndex).PropertyFlags
}

// Memory returns the device memory of the arena backing this allocation, or nil if it has been released
func (a *Allocation) Memory() gpu.DeviceMemory {
	if a.parentAllocator == nil {
		return nil
	}

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	if a.arena == nil {
		return nil
	}
	return a.arena.memory.memory
}

// Mapped reports whether Map has been called without a matching Unmap
func (a *Allocation) Mapped() bool {
	if a.parentAllocator == nil {
		return false
	}

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	return a.mapped
}

// Map returns a host pointer to the start of the allocation. Other allocations in the same arena can be
// mapped at the same time, but mapping this allocation a second time without an Unmap fails with
// ErrAlreadyMapped.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if a.parentAllocator == nil {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(ErrReleased, "failed to map allocation %d", a.id)
	}
	a.parentAllocator.logger.Debug("Allocation::Map")

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	if a.arena == nil {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(ErrReleased, "failed to map allocation %d", a.id)
	}

	if !a.parentAllocator.memoryTypes.IsHostVisible(a.memoryTypeIndex) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(ErrNotHostVisible, "failed to map allocation %d from memory type %d", a.id, a.memoryTypeIndex)
	}

	if a.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(ErrAlreadyMapped, "failed to map allocation %d", a.id)
	}

	ptr, res, err := a.arena.memory.Map(1)
	if err != nil {
		return nil, res, err
	}
	if ptr == nil {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("mapping arena %d returned no memory", a.arena.id)
	}

	a.mapped = true
	return unsafe.Add(ptr, a.offset), res, nil
}

func (a *Allocation) Unmap() error {
	if a.parentAllocator == nil {
		return errors.Wrapf(ErrReleased, "failed to unmap allocation %d", a.id)
	}
	a.parentAllocator.logger.Debug("Allocation::Unmap")

	a.parentAllocator.mutex.Lock()
	defer a.parentAllocator.mutex.Unlock()

	return a.unmap()
}

func (a *Allocation) unmap() error {
	if !a.mapped {
		return errors.Wrapf(ErrNotMapped, "failed to unmap allocation %d", a.id)
	}
	if a.arena == nil {
		return errors.Wrapf(ErrReleased, "failed to unmap allocation %d", a.id)
	}

	a.mapped = false
	return a.arena.memory.Unmap(1)
}

// BindBuffer binds buffer to the start of this allocation
func (a *Allocation) BindBuffer(buffer gpu.Buffer) (common.VkResult, error) {
	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil buffer")
	}

	memory := a.Memory()
	if memory == nil {
		return core1_0.VKErrorUnknown, errors.Wrapf(ErrReleased, "failed to bind allocation %d", a.id)
	}

	return buffer.BindMemory(memory, a.offset)
}

// BindImage binds image to the start of this allocation
func (a *Allocation) BindImage(image gpu.Image) (common.VkResult, error) {
	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil image")
	}

	memory := a.Memory()
	if memory == nil {
		return core1_0.VKErrorUnknown, errors.Wrapf(ErrReleased, "failed to bind allocation %d", a.id)
	}

	return image.BindMemory(memory, a.offset)
}

// Free hands the allocation back to its allocator. It is equivalent to Allocator.Release(a.ID()), and does
// nothing for an allocation that never received memory.
func (a *Allocation) Free() {
	if a.parentAllocator == nil {
		return
	}
	a.parentAllocator.Release(a.id)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.resourceClass.String())
	json.Name("ID").Int(int(a.id))
	json.Name("Mapped").Bool(a.mapped)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
