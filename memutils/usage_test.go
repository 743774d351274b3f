package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsage_FreeBytesAndOccupancy(t *testing.T) {
	var empty Usage
	require.Equal(t, 0, empty.FreeBytes())
	require.Zero(t, empty.Occupancy())

	usage := Usage{Arenas: 1, Allocations: 3, ArenaBytes: 4096, AllocatedBytes: 1024}
	require.Equal(t, 3072, usage.FreeBytes())
	require.InDelta(t, 0.25, usage.Occupancy(), 1e-9)

	usage.Merge(Usage{Arenas: 1, Allocations: 1, ArenaBytes: 4096, AllocatedBytes: 4096})
	require.Equal(t, Usage{Arenas: 2, Allocations: 4, ArenaBytes: 8192, AllocatedBytes: 5120}, usage)
	require.InDelta(t, 0.625, usage.Occupancy(), 1e-9)
}

func TestSizeRange(t *testing.T) {
	var sizes SizeRange
	require.True(t, sizes.Empty())

	sizes.Observe(512)
	require.Equal(t, SizeRange{Count: 1, Min: 512, Max: 512}, sizes)
	sizes.Observe(64)
	sizes.Observe(2048)
	require.Equal(t, SizeRange{Count: 3, Min: 64, Max: 2048}, sizes)

	sizes.Merge(SizeRange{})
	require.Equal(t, SizeRange{Count: 3, Min: 64, Max: 2048}, sizes)

	var merged SizeRange
	merged.Merge(SizeRange{Count: 2, Min: 128, Max: 256})
	require.Equal(t, SizeRange{Count: 2, Min: 128, Max: 256}, merged)
	merged.Merge(sizes)
	require.Equal(t, SizeRange{Count: 5, Min: 64, Max: 2048}, merged)
}

func TestDetailedUsage(t *testing.T) {
	var usage DetailedUsage
	usage.AddArena(1024)
	usage.AddAllocation(128)
	usage.AddAllocation(256)
	usage.AddFreeRange(640)

	var other DetailedUsage
	other.AddArena(2048)
	other.AddAllocation(64)
	other.AddFreeRange(1984)

	usage.Merge(&other)

	require.Equal(t, DetailedUsage{
		Usage: Usage{
			Arenas:         2,
			Allocations:    3,
			ArenaBytes:     3072,
			AllocatedBytes: 448,
		},
		AllocationSizes: SizeRange{Count: 3, Min: 64, Max: 256},
		FreeRanges:      SizeRange{Count: 2, Min: 640, Max: 1984},
	}, usage)
	require.Equal(t, 2624, usage.FreeBytes())
}
