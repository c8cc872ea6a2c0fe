//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pipeline

import (
	"errors"
	"os"
)

// installLock falls back to an exclusive marker file on platforms without
// flock. The marker holds the owner's pid so a crashed run does not block
// later ones.
type installLock struct {
	path string
}

func acquireLock(path string) (*installLock, error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			writeErr := writeHolder(f)
			closeErr := f.Close()
			if err := errors.Join(writeErr, closeErr); err != nil {
				os.Remove(path)
				return nil, err
			}
			return &installLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if attempt == 0 {
			if broken, breakErr := breakStaleMarker(path, processAlive); breakErr != nil {
				return nil, breakErr
			} else if broken {
				continue
			}
		}
		return nil, &LockError{Path: path, Holder: readHolder(path), Err: err}
	}
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	process.Release()
	return true
}

func (l *installLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
