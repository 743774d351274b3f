package metadata

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/catastrophic-engine/gpucore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func allocate(t *testing.T, m *SortedBlockMetadata, size int, alignment uint) BlockAllocationHandle {
	success, request, err := m.CreateAllocationRequest(size, alignment, 1)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, m.Alloc(request, 1, nil))
	require.NoError(t, m.Validate())
	return request.BlockAllocationHandle
}

func offsetOf(t *testing.T, m *SortedBlockMetadata, handle BlockAllocationHandle) int {
	offset, err := m.AllocationOffset(handle)
	require.NoError(t, err)
	return offset
}

func TestSorted_FirstAllocationAtZero(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(8192)

	handle := allocate(t, m, 256, 16)
	require.Equal(t, 0, offsetOf(t, m, handle))
	require.Equal(t, 8192-256, m.SumFreeSize())
	require.Equal(t, 1, m.AllocationCount())
	require.Equal(t, 1, m.FreeRegionsCount())
}

func TestSorted_AlignmentPadding(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(8192)

	first := allocate(t, m, 100, 1)
	second := allocate(t, m, 64, 256)
	require.Equal(t, 0, offsetOf(t, m, first))
	require.Equal(t, 256, offsetOf(t, m, second))
	require.Equal(t, 2, m.FreeRegionsCount())
}

func TestSorted_ReleaseThenReuse(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(8192)

	a := allocate(t, m, 1024, 16)
	require.Equal(t, 0, offsetOf(t, m, a))
	require.NoError(t, m.Free(a))
	require.True(t, m.IsEmpty())

	b := allocate(t, m, 512, 16)
	require.Equal(t, 0, offsetOf(t, m, b))
}

func TestSorted_GapBetweenRangesIsFilled(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(8192)

	a := allocate(t, m, 1024, 16)
	b := allocate(t, m, 1024, 16)
	c := allocate(t, m, 1024, 16)
	require.Equal(t, 2048, offsetOf(t, m, c))

	require.NoError(t, m.Free(b))

	d := allocate(t, m, 512, 16)
	require.Equal(t, 1024, offsetOf(t, m, d))
	e := allocate(t, m, 512, 16)
	require.Equal(t, 1536, offsetOf(t, m, e))

	// Gap is full, so the next one lands after the high-water mark
	f := allocate(t, m, 16, 16)
	require.Equal(t, 3072, offsetOf(t, m, f))

	require.Equal(t, 0, offsetOf(t, m, a))
}

func TestSorted_RangesStaySortedAfterChurn(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(4096)

	handles := make([]BlockAllocationHandle, 0, 8)
	for i := 0; i < 8; i++ {
		handles = append(handles, allocate(t, m, 256, 256))
	}

	// Free every other range, then refill from the front. A placement that appended instead of inserting
	// would leave the slice out of order and Validate would catch it.
	for i := 0; i < 8; i += 2 {
		require.NoError(t, m.Free(handles[i]))
	}
	require.NoError(t, m.Validate())

	for i := 0; i < 4; i++ {
		handle := allocate(t, m, 256, 256)
		require.Equal(t, i*512, offsetOf(t, m, handle))
	}

	var previous = -1
	require.NoError(t, m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		require.Greater(t, offset, previous)
		previous = offset
		return nil
	}))
}

func TestSorted_NoRoom(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)

	allocate(t, m, 1010, 1)

	success, _, err := m.CreateAllocationRequest(16, 16, 1)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = m.CreateAllocationRequest(2048, 1, 1)
	require.NoError(t, err)
	require.False(t, success)
}

func TestSorted_InvalidRequests(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)

	_, _, err := m.CreateAllocationRequest(0, 16, 1)
	require.Error(t, err)

	_, _, err = m.CreateAllocationRequest(64, 48, 1)
	require.ErrorIs(t, err, memutils.ErrNotPowerOfTwo)

	require.Error(t, m.Free(handleForOffset(512)))
	require.Error(t, m.Free(NoAllocation))
}

func TestSorted_StaleRequestRejected(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)

	success, request, err := m.CreateAllocationRequest(512, 16, 1)
	require.NoError(t, err)
	require.True(t, success)

	allocate(t, m, 256, 16)

	require.Error(t, m.Alloc(request, 1, nil))
	require.NoError(t, m.Validate())
}

func TestSorted_RandomChurnNeverOverlaps(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1 << 20)

	rng := rand.New(rand.NewSource(7))
	live := map[BlockAllocationHandle]struct {
		size      int
		alignment uint
	}{}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for handle := range live {
				require.NoError(t, m.Free(handle))
				delete(live, handle)
				break
			}
			continue
		}

		size := 1 + rng.Intn(4096)
		alignment := uint(1) << rng.Intn(9)
		success, request, err := m.CreateAllocationRequest(size, alignment, 1)
		require.NoError(t, err)
		if !success {
			continue
		}
		require.Zero(t, request.Item.Offset%int(alignment))
		require.NoError(t, m.Alloc(request, 1, nil))
		live[request.BlockAllocationHandle] = struct {
			size      int
			alignment uint
		}{size: size, alignment: alignment}
	}

	require.NoError(t, m.Validate())
	require.Equal(t, len(live), m.AllocationCount())

	type span struct{ start, end int }
	var spans []span
	for handle, info := range live {
		offset := offsetOf(t, m, handle)
		require.Zero(t, offset%int(info.alignment))
		spans = append(spans, span{offset, offset + info.size})
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			overlaps := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			require.False(t, overlaps, "ranges %v and %v overlap", spans[i], spans[j])
		}
	}
}

func TestSorted_SteadyStateDoesNotGrow(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(64 * 1024)

	working := make([]BlockAllocationHandle, 0, 4)
	for i := 0; i < 4; i++ {
		working = append(working, allocate(t, m, 4096, 256))
	}

	for round := 0; round < 100; round++ {
		victim := round % len(working)
		previousOffset := offsetOf(t, m, working[victim])
		require.NoError(t, m.Free(working[victim]))
		working[victim] = allocate(t, m, 4096, 256)
		require.Equal(t, previousOffset, offsetOf(t, m, working[victim]))
	}

	require.Equal(t, 64*1024-4*4096, m.SumFreeSize())
	require.Equal(t, 1, m.FreeRegionsCount())
}

func TestSorted_Usage(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(4096)

	allocate(t, m, 1024, 16)
	b := allocate(t, m, 512, 16)
	allocate(t, m, 256, 16)
	require.NoError(t, m.Free(b))

	var usage memutils.DetailedUsage
	m.AddDetailedUsage(&usage)

	require.Equal(t, memutils.DetailedUsage{
		Usage: memutils.Usage{
			Arenas:         1,
			Allocations:    2,
			ArenaBytes:     4096,
			AllocatedBytes: 1280,
		},
		AllocationSizes: memutils.SizeRange{Count: 2, Min: 256, Max: 1024},
		FreeRanges:      memutils.SizeRange{Count: 2, Min: 512, Max: 2304},
	}, usage)
	require.Equal(t, m.SumFreeSize(), usage.FreeBytes())

	var simple memutils.Usage
	m.AddUsage(&simple)
	require.Equal(t, usage.Usage, simple)
}

func TestSorted_BlockJsonData(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)
	allocate(t, m, 256, 16)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Arena").Int(3)
	m.BlockJsonData(&obj, nil)
	obj.Name("Trailing").Bool(true)
	obj.End()

	require.NoError(t, writer.Error())
	require.True(t, json.Valid(writer.Bytes()))
	require.JSONEq(t, `{
		"Arena": 3,
		"TotalBytes": 1024,
		"UnusedBytes": 768,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Suballocations": [
			{"Offset": 0, "Size": 256, "Type": 1},
			{"Offset": 256, "Size": 768, "Type": "FREE"}
		],
		"Trailing": true
	}`, string(writer.Bytes()))
}

func TestSorted_BlockJsonDataRegionPrinter(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)

	found, request, err := m.CreateAllocationRequest(128, 16, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, m.Alloc(request, 1, "uniforms"))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.BlockJsonData(&obj, func(region *jwriter.ObjectState, userData any) {
		region.Name("Name").String(userData.(string))
	})
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 1024,
		"UnusedBytes": 896,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Suballocations": [
			{"Offset": 0, "Size": 128, "Name": "uniforms"},
			{"Offset": 128, "Size": 896, "Type": "FREE"}
		]
	}`, string(writer.Bytes()))
}

func TestSorted_Clear(t *testing.T) {
	m := NewSortedBlockMetadata()
	m.Init(1024)
	allocate(t, m, 256, 16)
	allocate(t, m, 256, 16)

	m.Clear()
	require.True(t, m.IsEmpty())
	require.Equal(t, 1024, m.SumFreeSize())
	require.NoError(t, m.Validate())
}
