package metadata

// AllocationRequestType indicates where in the block an AllocationRequest was placed.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestGap indicates the request was placed in a gap between two occupied ranges,
	// or before the first one
	AllocationRequestGap AllocationRequestType = iota
	// AllocationRequestEnd indicates the request was placed after the last occupied range
	AllocationRequestEnd
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestGap: "Gap",
	AllocationRequestEnd: "End",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the metadata
// intends to place new memory. The consumer can act on it and then commit it with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will have once committed
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size in bytes of the allocation
	Size int
	// Item describes the range the allocation will occupy
	Item Suballocation
	// Type records which kind of free space the request was carved from
	Type AllocationRequestType

	// AllocType is the value passed into CreateAllocationRequest by the consumer
	AllocType uint32
	// AlgorithmData is the position in the sorted range list the allocation will be inserted at
	AlgorithmData uint64
}
