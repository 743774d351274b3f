package arena

import (
	"unsafe"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/catastrophic-engine/gpucore/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// mappedMemory shares one host mapping of an arena's device memory between every allocation in the arena
// that is currently mapped. The device only permits one mapping per memory object, so the first Map maps
// the whole block and the last Unmap releases it.
type mappedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   gpu.DeviceMemory
}

func newMappedMemory(memory gpu.DeviceMemory, useMutex bool) *mappedMemory {
	return &mappedMemory{
		memory: memory,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
	}
}

func (m *mappedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *mappedMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the arena is showing existing memory mapping references, but no mapped memory")
		}

		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.memory.Map(0, gpu.WholeSize)
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, res, nil
}

func (m *mappedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.New("arena memory has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences == 0 && m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

// Free unmaps the memory if it is still mapped and then frees it
func (m *mappedMemory) Free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
		m.mapReferences = 0
	}

	m.memory.Free()
}
