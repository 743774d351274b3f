package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns ErrNotPowerOfTwo, annotated with name, if number is not a power of two. Zero passes.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value & int(^(alignment - 1))
}

// RoundUpToMultiple rounds value up to a multiple of step. Unlike AlignUp, step does not need to be a
// power of two, which makes it suitable for sizing arenas from a configured chunk size.
func RoundUpToMultiple(value int, step int) int {
	if step <= 1 {
		return value
	}
	return ((value + step - 1) / step) * step
}

// MaxAlignment returns the larger of two alignments, treating 0 as 1
func MaxAlignment(a, b uint) uint {
	if a == 0 {
		a = 1
	}
	if b > a {
		return b
	}
	return a
}
