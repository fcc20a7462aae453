package catalog

import "errors"

// Domain errors for catalogue operations. Mutating operations either
// succeed and advance the version counter or fail with one of these (or a
// wrapped driver error) leaving no visible effect.
var (
	// ErrInvalidName rejects empty names, ".", "..", and names containing
	// any of \ / < > : " | ? *
	ErrInvalidName = errors.New("invalid name")

	// ErrAlreadyExists signals a (folder, name) collision for the target
	// item kind.
	ErrAlreadyExists = errors.New("item already exists")

	// ErrNotFound signals a missing folder, binding, or content.
	ErrNotFound = errors.New("item not found")

	// ErrCycle rejects moving a folder into itself or a descendant.
	ErrCycle = errors.New("cannot move a folder into itself or its descendant")

	// ErrInvalidOperation rejects operations that are structurally
	// meaningless, such as creating inside the trash or renaming a root.
	ErrInvalidOperation = errors.New("invalid operation")
)
