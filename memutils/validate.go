package memutils

// Validatable is anything DebugValidate can check, most often arena metadata
type Validatable interface {
	Validate() error
}
