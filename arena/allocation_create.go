package arena

import "github.com/vkngwrapper/core/v2/core1_0"

// ResourceClass describes how a resource lays its data out in memory. Devices with a
// BufferImageGranularity above 1 cannot place linear and optimal resources next to each other, so
// on those devices arenas only ever hold a single class.
type ResourceClass uint32

const (
	ResourceClassUnknown ResourceClass = iota
	// ResourceClassLinear covers buffers and linear-tiled images
	ResourceClassLinear
	// ResourceClassOptimal covers optimal-tiled images
	ResourceClassOptimal
)

var resourceClassMapping = make(map[ResourceClass]string)

func (c ResourceClass) String() string {
	return resourceClassMapping[c]
}

func init() {
	resourceClassMapping[ResourceClassUnknown] = "ResourceClassUnknown"
	resourceClassMapping[ResourceClassLinear] = "ResourceClassLinear"
	resourceClassMapping[ResourceClassOptimal] = "ResourceClassOptimal"
}

// AllocationCreateInfo describes the memory a caller wants for a single allocation
type AllocationCreateInfo struct {
	// PropertyFlags must all be present on the chosen memory type
	PropertyFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are used to break ties between memory types that carry all of PropertyFlags.
	// The type missing the fewest preferred flags wins.
	PreferredFlags core1_0.MemoryPropertyFlags
	// MemoryTypeBits further restricts the memory types the allocation may use. 0 means no
	// restriction beyond the requirement's own bits.
	MemoryTypeBits uint32

	// ResourceClass is set automatically by AllocateMemoryForBuffer and AllocateMemoryForImage
	ResourceClass ResourceClass

	// Name is reported in statistics and unreleased memory logs
	Name string
	// UserData is an arbitrary value reported in statistics and unreleased memory logs
	UserData any
}
