package arena

import "github.com/cockroachdb/errors"

var (
	// ErrNoCompatibleMemoryType is returned when no memory type satisfies both the requirement's type bits
	// and the requested property flags. Errors returned by the allocator are marked with it, so test with
	// errors.Is.
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrNotHostVisible is returned when mapping an allocation whose memory the host cannot see
	ErrNotHostVisible = errors.New("allocation memory is not host visible")
	ErrAlreadyMapped  = errors.New("allocation is already mapped")
	ErrNotMapped      = errors.New("allocation is not mapped")
	// ErrReleased is returned when operating on an allocation that has already been handed back
	ErrReleased = errors.New("allocation has been released")
	// ErrUnreleasedAllocations is returned from ReleaseAll when allocations were still live. The memory is
	// freed regardless.
	ErrUnreleasedAllocations = errors.New("some allocations were not released before the allocator was torn down")
)
