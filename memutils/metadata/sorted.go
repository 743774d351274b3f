package metadata

import (
	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// SortedBlockMetadata is a BlockMetadata implementation that keeps the occupied ranges of a block in a
// slice sorted by offset and places new allocations first-fit: the first gap, walking from offset 0,
// that can hold the request once its start is rounded up to the requested alignment. When no gap fits,
// the space after the last occupied range is tried. The block never grows.
//
// Freed ranges simply vanish from the slice, so the gap they leave is found again by the next scan. Under a
// steady alloc/free workload the high-water mark stays put.
type SortedBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize    int
	suballocations []Suballocation
}

var _ BlockMetadata = &SortedBlockMetadata{}

func NewSortedBlockMetadata() *SortedBlockMetadata {
	return &SortedBlockMetadata{
		suballocations: []Suballocation{},
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *SortedBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.sumFreeSize = size
	m.suballocations = m.suballocations[:0]
}

func (m *SortedBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *SortedBlockMetadata) AllocationCount() int {
	return len(m.suballocations)
}

func (m *SortedBlockMetadata) IsEmpty() bool {
	return len(m.suballocations) == 0
}

func (m *SortedBlockMetadata) FreeRegionsCount() int {
	count := 0
	cursor := 0
	for _, suballoc := range m.suballocations {
		if suballoc.Offset > cursor {
			count++
		}
		cursor = suballoc.End()
	}

	if cursor < m.Size() {
		count++
	}

	return count
}

// Validate checks that the occupied ranges are sorted, inside the block, pairwise disjoint, and that
// the cached free byte count agrees with them.
func (m *SortedBlockMetadata) Validate() error {
	cursor := 0
	usedBytes := 0
	for index, suballoc := range m.suballocations {
		if suballoc.Size <= 0 {
			return errors.Errorf("suballocation %d at offset %d has non-positive size %d", index, suballoc.Offset, suballoc.Size)
		}

		if suballoc.Offset < cursor {
			return errors.Errorf("suballocation %d at offset %d overlaps or precedes the previous range, which ends at %d", index, suballoc.Offset, cursor)
		}

		cursor = suballoc.End()
		usedBytes += suballoc.Size
	}

	if cursor > m.Size() {
		return errors.Errorf("the last suballocation ends at %d, past the end of the block at %d", cursor, m.Size())
	}

	if m.Size()-usedBytes != m.sumFreeSize {
		return errors.Errorf("the block reports %d free bytes, but the occupied ranges leave %d", m.sumFreeSize, m.Size()-usedBytes)
	}

	return nil
}

func (m *SortedBlockMetadata) findIndex(offset int) (int, bool) {
	return slices.BinarySearchFunc(m.suballocations, offset, func(suballoc Suballocation, target int) int {
		return suballoc.Offset - target
	})
}

func (m *SortedBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	offset := offsetForHandle(allocHandle)
	_, found := m.findIndex(offset)
	if !found {
		return 0, errors.Errorf("no live allocation for handle %d", allocHandle)
	}

	return offset, nil
}

func (m *SortedBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, found := m.findIndex(offsetForHandle(allocHandle))
	if !found {
		return nil, errors.Errorf("no live allocation for handle %d", allocHandle)
	}

	return m.suballocations[index].UserData, nil
}

func (m *SortedBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	cursor := 0
	for _, suballoc := range m.suballocations {
		if suballoc.Offset > cursor {
			err := handleBlock(NoAllocation, cursor, suballoc.Offset-cursor, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(handleForOffset(suballoc.Offset), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}
		cursor = suballoc.End()
	}

	if cursor < m.Size() {
		return handleBlock(NoAllocation, cursor, m.Size()-cursor, nil, true)
	}

	return nil
}

func (m *SortedBlockMetadata) AddDetailedUsage(usage *memutils.DetailedUsage) {
	usage.AddArena(m.Size())

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			usage.AddFreeRange(size)
		} else {
			usage.AddAllocation(size)
		}
		return nil
	})
}

func (m *SortedBlockMetadata) AddUsage(usage *memutils.Usage) {
	usage.Merge(memutils.Usage{
		Arenas:         1,
		Allocations:    len(m.suballocations),
		ArenaBytes:     m.Size(),
		AllocatedBytes: m.Size() - m.sumFreeSize,
	})
}

func (m *SortedBlockMetadata) Clear() {
	m.sumFreeSize = m.Size()
	m.suballocations = m.suballocations[:0]
}

func (m *SortedBlockMetadata) BlockJsonData(json *jwriter.ObjectState, printRegion RegionPrinter) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, len(m.suballocations), m.FreeRegionsCount())

	suballocsArray := json.Name("Suballocations").Array()
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regionObj := suballocsArray.Object()
		regionObj.Name("Offset").Int(offset)
		regionObj.Name("Size").Int(size)
		switch {
		case free:
			regionObj.Name("Type").String("FREE")
		case printRegion != nil:
			printRegion(&regionObj, userData)
		default:
			index, _ := m.findIndex(offset)
			regionObj.Name("Type").Int(int(m.suballocations[index].Type))
		}
		regionObj.End()
		return nil
	})
	suballocsArray.End()
}

func (m *SortedBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Errorf("invalid allocation size %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}

	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	if allocSize > m.sumFreeSize {
		return false, AllocationRequest{}, nil
	}

	cursor := 0
	for index, suballoc := range m.suballocations {
		offset := memutils.AlignUp(cursor, allocAlignment)
		if offset+allocSize <= suballoc.Offset {
			return true, m.buildRequest(offset, allocSize, allocType, AllocationRequestGap, index), nil
		}

		cursor = suballoc.End()
	}

	offset := memutils.AlignUp(cursor, allocAlignment)
	if offset+allocSize <= m.Size() {
		return true, m.buildRequest(offset, allocSize, allocType, AllocationRequestEnd, len(m.suballocations)), nil
	}

	return false, AllocationRequest{}, nil
}

func (m *SortedBlockMetadata) buildRequest(offset, size int, allocType uint32, requestType AllocationRequestType, index int) AllocationRequest {
	return AllocationRequest{
		BlockAllocationHandle: handleForOffset(offset),
		Size:                  size,
		Item: Suballocation{
			Offset: offset,
			Size:   size,
			Type:   allocType,
		},
		Type:          requestType,
		AllocType:     allocType,
		AlgorithmData: uint64(index),
	}
}

func (m *SortedBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) error {
	index := int(request.AlgorithmData)
	if index > len(m.suballocations) {
		return errors.Errorf("allocation request targets position %d, but the block only has %d ranges", index, len(m.suballocations))
	}

	offset := request.Item.Offset
	end := offset + request.Size

	if index > 0 && m.suballocations[index-1].End() > offset {
		return errors.Errorf("allocation request at offset %d overlaps the range ending at %d", offset, m.suballocations[index-1].End())
	}

	if index < len(m.suballocations) && m.suballocations[index].Offset < end {
		return errors.Errorf("allocation request ending at %d overlaps the range starting at %d", end, m.suballocations[index].Offset)
	}

	if end > m.Size() {
		return errors.Errorf("allocation request ending at %d runs past the end of the block at %d", end, m.Size())
	}

	m.suballocations = slices.Insert(m.suballocations, index, Suballocation{
		Offset:   offset,
		Size:     request.Size,
		UserData: userData,
		Type:     allocType,
	})
	m.sumFreeSize -= request.Size

	return nil
}

func (m *SortedBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, found := m.findIndex(offsetForHandle(allocHandle))
	if !found {
		return errors.Errorf("no live allocation for handle %d", allocHandle)
	}

	m.sumFreeSize += m.suballocations[index].Size
	m.suballocations = slices.Delete(m.suballocations, index, index+1)

	return nil
}
