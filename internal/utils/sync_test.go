package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutex_Disabled(t *testing.T) {
	var m OptionalMutex
	m.Lock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestOptionalMutex_Enabled(t *testing.T) {
	m := OptionalMutex{UseMutex: true}
	m.Lock()
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}
