package memutils

// Usage counts arenas and the bytes handed out of them
type Usage struct {
	Arenas         int
	Allocations    int
	ArenaBytes     int
	AllocatedBytes int
}

// FreeBytes is the number of arena bytes not covered by an allocation. They may be fragmented.
func (u Usage) FreeBytes() int {
	return u.ArenaBytes - u.AllocatedBytes
}

// Occupancy is the fraction of arena bytes in use, or 0 when there are no arenas
func (u Usage) Occupancy() float64 {
	if u.ArenaBytes == 0 {
		return 0
	}
	return float64(u.AllocatedBytes) / float64(u.ArenaBytes)
}

func (u *Usage) Merge(other Usage) {
	u.Arenas += other.Arenas
	u.Allocations += other.Allocations
	u.ArenaBytes += other.ArenaBytes
	u.AllocatedBytes += other.AllocatedBytes
}

// SizeRange tracks how many sizes were observed and the smallest and largest of them. The zero value is
// an empty range.
type SizeRange struct {
	Count int
	Min   int
	Max   int
}

func (r SizeRange) Empty() bool { return r.Count == 0 }

func (r *SizeRange) Observe(size int) {
	if r.Count == 0 || size < r.Min {
		r.Min = size
	}
	if size > r.Max {
		r.Max = size
	}
	r.Count++
}

func (r *SizeRange) Merge(other SizeRange) {
	if other.Empty() {
		return
	}

	if r.Empty() || other.Min < r.Min {
		r.Min = other.Min
	}
	if other.Max > r.Max {
		r.Max = other.Max
	}
	r.Count += other.Count
}

// DetailedUsage adds the spread of allocation sizes and free range sizes to Usage
type DetailedUsage struct {
	Usage
	AllocationSizes SizeRange
	FreeRanges      SizeRange
}

func (u *DetailedUsage) AddArena(size int) {
	u.Arenas++
	u.ArenaBytes += size
}

func (u *DetailedUsage) AddAllocation(size int) {
	u.Allocations++
	u.AllocatedBytes += size
	u.AllocationSizes.Observe(size)
}

func (u *DetailedUsage) AddFreeRange(size int) {
	u.FreeRanges.Observe(size)
}

func (u *DetailedUsage) Merge(other *DetailedUsage) {
	u.Usage.Merge(other.Usage)
	u.AllocationSizes.Merge(other.AllocationSizes)
	u.FreeRanges.Merge(other.FreeRanges)
}
