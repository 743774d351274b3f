package metadata

import (
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockMetadata tracks the occupied ranges of a single large block of memory. It does not touch the
// memory itself: consumers ask it where an allocation should go, act on that answer, and then commit it.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used, with the size in bytes of the managed block
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct non-empty gaps in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block. The free bytes may be fragmented.
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region in
	// the block, in offset order
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedUsage counts this block, each of its allocations and each of its free ranges into usage
	AddDetailedUsage(usage *memutils.DetailedUsage)
	// AddUsage counts this block and its allocated bytes into usage
	AddUsage(usage *memutils.Usage)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block. printRegion, if not nil, adds
	// fields to the object written for each allocated region and receives that region's userData.
	BlockJsonData(json *jwriter.ObjectState, printRegion RegionPrinter)

	// CreateAllocationRequest reports where an allocation of allocSize bytes, aligned to allocAlignment,
	// would be placed. The boolean return is false when the block has no room for it. allocAlignment must
	// be a power of two.
	CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the requested range is no longer free.
	Alloc(request AllocationRequest, allocType uint32, userData any) error
	// Free releases a live suballocation. It returns an error if the handle does not map to one.
	Free(allocHandle BlockAllocationHandle) error
}

// RegionPrinter writes caller-specific fields for an allocated region into its json object
type RegionPrinter func(json *jwriter.ObjectState, userData any)

// BlockMetadataBase provides the size bookkeeping shared by BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with the summary fields every block reports
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
