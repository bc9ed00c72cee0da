package kernel

// Error describes a kernel error. All errors raised by the memory subsystem
// are defined as global variables that are pointers to the Error structure so
// that error paths never allocate and callers can compare errors by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed with the module that raised it.
func (e *Error) String() string {
	return e.Module + ": " + e.Message
}
