package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// writeHolder records the current pid in the lock file.
func writeHolder(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return err
}

// readHolder returns the pid recorded in the lock file, or 0.
func readHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// breakStaleMarker removes a lock marker whose recorded holder is no longer
// alive. It reports whether the marker was removed. Markers without a
// readable pid are left alone.
func breakStaleMarker(path string, alive func(pid int) bool) (bool, error) {
	holder := readHolder(path)
	if holder == 0 || alive(holder) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	return true, nil
}
