package pipeline

import "fmt"

// LockError is returned when another process holds the install tree lock.
type LockError struct {
	Path string
	// Holder is the pid recorded by the lock owner, 0 when unknown.
	Holder int
	Err    error
}

func (e *LockError) Error() string {
	holder := "another build"
	if e.Holder > 0 {
		holder = fmt.Sprintf("another build (pid %d)", e.Holder)
	}
	return fmt.Sprintf("install tree is locked by %s: %v; if no build is running, remove %s", holder, e.Err, e.Path)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// LogError is returned when the run or stage logs cannot be written.
type LogError struct {
	Path string
	Err  error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("build log %s: %v", e.Path, e.Err)
}

func (e *LogError) Unwrap() error {
	return e.Err
}
