package target

import "fmt"

// UnsupportedTargetError is returned when a target identifier is not one of the
// enumerated architectures.
type UnsupportedTargetError struct {
	Target string
	Err    error
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("unsupported target %q: %v", e.Target, e.Err)
}

func (e *UnsupportedTargetError) Unwrap() error {
	return e.Err
}

// FilesystemError reports an install tree that cannot be created or written.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}
