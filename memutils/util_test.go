package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 16))
	require.Equal(t, 16, AlignUp(1, 16))
	require.Equal(t, 16, AlignUp(16, 16))
	require.Equal(t, 272, AlignUp(257, 16))
	require.Equal(t, 7, AlignUp(7, 1))
	require.Equal(t, 7, AlignUp(7, 0))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 256, AlignDown(257, 16))
	require.Equal(t, 0, AlignDown(15, 16))
	require.Equal(t, 15, AlignDown(15, 0))
}

func TestRoundUpToMultiple(t *testing.T) {
	chunk := 8 * 1024 * 1024
	require.Equal(t, chunk, RoundUpToMultiple(1, chunk))
	require.Equal(t, 2*chunk, RoundUpToMultiple(chunk+1, chunk))
	require.Equal(t, 300, RoundUpToMultiple(250, 100))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(0, "zero"))
	require.NoError(t, CheckPow2(1, "one"))
	require.NoError(t, CheckPow2(uint(256), "alignment"))

	err := CheckPow2(48, "alignment")
	require.ErrorIs(t, err, ErrNotPowerOfTwo)
	require.Contains(t, err.Error(), "alignment is 48")
}
