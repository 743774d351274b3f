package arena

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type memoryTypes struct {
	properties *core1_0.PhysicalDeviceMemoryProperties
	limits     *core1_0.PhysicalDeviceLimits
}

func (m *memoryTypes) Count() int {
	return len(m.properties.MemoryTypes)
}

func (m *memoryTypes) Properties(memoryTypeIndex int) core1_0.MemoryType {
	return m.properties.MemoryTypes[memoryTypeIndex]
}

func (m *memoryTypes) IsHostVisible(memoryTypeIndex int) bool {
	return m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *memoryTypes) IsHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags
	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MinimumAlignment is the alignment every allocation from the memory type must respect on top of its own
// requirement. Non-coherent host memory is flushed and invalidated in NonCoherentAtomSize units, so
// allocations that share an arena must not share an atom.
func (m *memoryTypes) MinimumAlignment(memoryTypeIndex int) uint {
	if m.IsHostNonCoherent(memoryTypeIndex) {
		alignment := uint(m.limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *memoryTypes) allTypeBits() uint32 {
	return uint32(1)<<m.Count() - 1
}

func (m *memoryTypes) findMemoryTypeIndex(
	memoryTypeBits uint32,
	requiredFlags core1_0.MemoryPropertyFlags,
	preferredFlags core1_0.MemoryPropertyFlags,
) (int, common.VkResult, error) {
	memoryTypeBits &= m.allTypeBits()

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < m.Count(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// Banned by the bitmask
			continue
		}

		flags := m.Properties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, errors.Mark(
			errors.Newf("no memory type among bits 0x%x carries the property flags %s", memoryTypeBits, requiredFlags),
			ErrNoCompatibleMemoryType,
		)
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}
