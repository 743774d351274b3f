package gputest

import (
	"time"
	"unsafe"

	"github.com/catastrophic-engine/gpucore/gpu"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Memory is a software gpu.DeviceMemory backed by a byte slice
type Memory struct {
	device    *Device
	typeIndex int
	data      []byte
	mapped    bool
	freed     bool
}

var _ gpu.DeviceMemory = &Memory{}

func (m *Memory) Size() int            { return len(m.data) }
func (m *Memory) MemoryTypeIndex() int { return m.typeIndex }

func (m *Memory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("mapped freed memory")
	}

	flags := m.device.options.MemoryTypes[m.typeIndex].PropertyFlags
	if flags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("memory type %d is not host visible", m.typeIndex)
	}

	if m.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("memory is already mapped")
	}

	if size == gpu.WholeSize {
		size = len(m.data) - offset
	}
	if offset < 0 || size <= 0 || offset+size > len(m.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("map range [%d, %d) is outside of %d bytes of memory", offset, offset+size, len(m.data))
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *Memory) Unmap() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()
	m.mapped = false
}

func (m *Memory) Free() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		m.device.reportf("memory freed twice")
		return
	}
	m.freed = true
	m.device.liveMemory--
}

// Mapped reports whether the memory currently has a host mapping
func (m *Memory) Mapped() bool {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()
	return m.mapped
}

// Freed reports whether Free has been called
func (m *Memory) Freed() bool {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()
	return m.freed
}

type binding struct {
	memory *Memory
	offset int
}

func (b binding) bytes(size int) []byte {
	return b.memory.data[b.offset : b.offset+size]
}

func bindMemory(device *Device, current *binding, requirements core1_0.MemoryRequirements, memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	device.mutex.Lock()
	defer device.mutex.Unlock()

	if current.memory != nil {
		return core1_0.VKErrorUnknown, errors.New("object is already bound to memory")
	}

	mem, ok := memory.(*Memory)
	if !ok || mem.freed {
		return core1_0.VKErrorUnknown, errors.New("bound to memory that is not live software memory")
	}

	if requirements.MemoryTypeBits&(1<<uint(mem.typeIndex)) == 0 {
		return core1_0.VKErrorUnknown, errors.Newf("memory type %d is not allowed by bits 0x%x", mem.typeIndex, requirements.MemoryTypeBits)
	}

	if requirements.Alignment > 1 && offset%requirements.Alignment != 0 {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d does not satisfy alignment %d", offset, requirements.Alignment)
	}

	if offset+requirements.Size > len(mem.data) {
		return core1_0.VKErrorUnknown, errors.Newf("binding [%d, %d) runs past the end of %d bytes of memory", offset, offset+requirements.Size, len(mem.data))
	}

	current.memory = mem
	current.offset = offset
	return core1_0.VKSuccess, nil
}

// Buffer is a software gpu.Buffer
type Buffer struct {
	device       *Device
	size         int
	usage        core1_0.BufferUsageFlags
	requirements core1_0.MemoryRequirements
	binding      binding
	destroyed    bool
}

var _ gpu.Buffer = &Buffer{}

func (b *Buffer) Size() int                       { return b.size }
func (b *Buffer) Usage() core1_0.BufferUsageFlags { return b.usage }

func (b *Buffer) MemoryRequirements() *core1_0.MemoryRequirements {
	requirements := b.requirements
	return &requirements
}

func (b *Buffer) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	return bindMemory(b.device, &b.binding, b.requirements, memory, offset)
}

func (b *Buffer) Destroy() {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		b.device.reportf("buffer destroyed twice")
		return
	}
	if b.binding.memory != nil && b.binding.memory.freed {
		b.device.reportf("buffer destroyed after its memory was freed")
	}
	b.destroyed = true
	b.device.liveBuffers--
}

// Destroyed reports whether Destroy has been called
func (b *Buffer) Destroyed() bool {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()
	return b.destroyed
}

// Contents reads the buffer's bytes straight out of its bound memory, standing in for a GPU readback
func (b *Buffer) Contents() []byte {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.binding.memory == nil {
		return nil
	}
	out := make([]byte, b.size)
	copy(out, b.binding.bytes(b.size))
	return out
}

// BoundOffset returns the memory and offset the buffer is bound to
func (b *Buffer) BoundOffset() (*Memory, int) {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()
	return b.binding.memory, b.binding.offset
}

// Image is a software gpu.Image. Texels are stored tightly packed, row by row.
type Image struct {
	device       *Device
	info         gpu.ImageCreateInfo
	size         int
	requirements core1_0.MemoryRequirements
	binding      binding
	layout       core1_0.ImageLayout
	destroyed    bool
}

var _ gpu.Image = &Image{}

func (i *Image) Width() int             { return i.info.Width }
func (i *Image) Height() int            { return i.info.Height }
func (i *Image) Format() core1_0.Format { return i.info.Format }

func (i *Image) MemoryRequirements() *core1_0.MemoryRequirements {
	requirements := i.requirements
	return &requirements
}

func (i *Image) BindMemory(memory gpu.DeviceMemory, offset int) (common.VkResult, error) {
	return bindMemory(i.device, &i.binding, i.requirements, memory, offset)
}

func (i *Image) Destroy() {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	if i.destroyed {
		i.device.reportf("image destroyed twice")
		return
	}
	if i.binding.memory != nil && i.binding.memory.freed {
		i.device.reportf("image destroyed after its memory was freed")
	}
	i.destroyed = true
	i.device.liveImages--
}

func (i *Image) Destroyed() bool {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()
	return i.destroyed
}

// Contents reads the image's texels straight out of its bound memory
func (i *Image) Contents() []byte {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	if i.binding.memory == nil {
		return nil
	}
	out := make([]byte, i.size)
	copy(out, i.binding.bytes(i.size))
	return out
}

// Layout returns the layout the last executed transfer left the image in
func (i *Image) Layout() core1_0.ImageLayout {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()
	return i.layout
}

// Fence is a software gpu.Fence
type Fence struct {
	device    *Device
	signaled  bool
	pending   bool
	destroyed bool
}

var _ gpu.Fence = &Fence{}

func (f *Fence) Status() (common.VkResult, error) {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.destroyed {
		return core1_0.VKErrorUnknown, errors.New("queried a destroyed fence")
	}
	if f.signaled {
		return core1_0.VKSuccess, nil
	}
	return core1_0.VKNotReady, nil
}

// Wait completes pending submissions up to and including the one this fence is attached to. Waiting on
// an unsignaled fence that nothing will ever signal returns VKTimeout instead of hanging.
func (f *Fence) Wait(timeout time.Duration) (common.VkResult, error) {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.destroyed {
		return core1_0.VKErrorUnknown, errors.New("waited on a destroyed fence")
	}
	if f.signaled {
		return core1_0.VKSuccess, nil
	}

	for index, sub := range f.device.pending {
		if sub.fence == f {
			f.device.completeThrough(index + 1)
			return core1_0.VKSuccess, nil
		}
	}

	return core1_0.VKTimeout, nil
}

func (f *Fence) Reset() (common.VkResult, error) {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.pending {
		return core1_0.VKErrorUnknown, errors.New("reset a fence that is attached to a pending submission")
	}
	f.signaled = false
	return core1_0.VKSuccess, nil
}

func (f *Fence) Destroy() {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.destroyed {
		f.device.reportf("fence destroyed twice")
		return
	}
	if f.pending {
		f.device.reportf("fence destroyed while its submission was pending")
	}
	f.destroyed = true
	f.device.liveFences--
}

// Semaphore is a software gpu.Semaphore with a binary signaled state
type Semaphore struct {
	device    *Device
	signaled  bool
	destroyed bool
}

var _ gpu.Semaphore = &Semaphore{}

// Signal marks the semaphore signaled from outside the queue, the way a presentation engine does when
// an acquired image becomes available
func (s *Semaphore) Signal() {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()
	s.signaled = true
}

func (s *Semaphore) Signaled() bool {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()
	return s.signaled
}

// Consume unsignals the semaphore the way a present call waiting on it would
func (s *Semaphore) Consume() bool {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()

	signaled := s.signaled
	s.signaled = false
	return signaled
}

func (s *Semaphore) Destroy() {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()

	if s.destroyed {
		s.device.reportf("semaphore destroyed twice")
		return
	}
	s.destroyed = true
	s.device.liveSemaphores--
}

func (s *Semaphore) Destroyed() bool {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()
	return s.destroyed
}

// DescriptorPool is a software gpu.DescriptorPool that only remembers how it was created
type DescriptorPool struct {
	device    *Device
	maxSets   int
	poolSizes []core1_0.DescriptorPoolSize
	destroyed bool
}

var _ gpu.DescriptorPool = &DescriptorPool{}

func (p *DescriptorPool) MaxSets() int                            { return p.maxSets }
func (p *DescriptorPool) PoolSizes() []core1_0.DescriptorPoolSize { return p.poolSizes }

func (p *DescriptorPool) Destroy() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		p.device.reportf("descriptor pool destroyed twice")
		return
	}
	p.destroyed = true
	p.device.liveDescriptorPools--
}

// Queue is a software gpu.Queue. All queues share the device's single timeline.
type Queue struct {
	device      *Device
	familyIndex int
	queueIndex  int
}

var _ gpu.Queue = &Queue{}

func (q *Queue) FamilyIndex() int { return q.familyIndex }

func (q *Queue) Submit(fence gpu.Fence, submits []gpu.SubmitInfo) (common.VkResult, error) {
	return q.device.submit(fence, submits)
}

func (q *Queue) WaitIdle() (common.VkResult, error) {
	q.device.Complete()
	return core1_0.VKSuccess, nil
}
