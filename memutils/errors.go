package memutils

import "github.com/pkg/errors"

// ErrNotPowerOfTwo is returned from CheckPow2 when the tested value is not a power of two. Device alignments
// are always powers of two, so this usually means a requirement was built by hand incorrectly.
var ErrNotPowerOfTwo = errors.New("number must be a power of two")
