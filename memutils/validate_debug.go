//go:build debug_mem_utils

package memutils

// DebugValidate calls Validate on the provided object and panics if it returns an error. It no-ops
// unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. It no-ops unless the debug_mem_utils build
// tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
