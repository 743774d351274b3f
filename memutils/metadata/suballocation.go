package metadata

import "math"

// BlockAllocationHandle identifies one live suballocation within a block
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is one occupied range of a block
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}

// End is the first byte past the suballocation
func (s Suballocation) End() int {
	return s.Offset + s.Size
}

func handleForOffset(offset int) BlockAllocationHandle {
	return BlockAllocationHandle(offset + 1)
}

func offsetForHandle(handle BlockAllocationHandle) int {
	return int(handle) - 1
}
