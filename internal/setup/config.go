package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// StorageDir is the root under which per-target install trees, archives and
// logs live unless overridden.
var StorageDir = defaultStorageDir()

// RequiredTools are the host programs every pipeline shells out to.
var RequiredTools = []string{"sh", "make"}

func defaultStorageDir() string {
	if dir := os.Getenv("XBUILD_STORAGE_DIR"); dir != "" {
		return dir
	}
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "xbuild")
	}
	return filepath.Join(os.TempDir(), "xbuild")
}

// CacheDir holds downloaded source archives.
func CacheDir() string {
	return filepath.Join(StorageDir, "archives")
}

// SourceDir holds unpacked source trees for the given machine.
func SourceDir(machine string) string {
	return filepath.Join(StorageDir, "src", machine)
}

// LogDir holds the append-only pipeline logs.
func LogDir() string {
	return filepath.Join(StorageDir, "logs")
}

// Verify checks that the host provides the required tools and any additional
// programs named in extra (typically the cross compiler).
func Verify(extra ...string) error {
	var missing error
	for _, tool := range append(append([]string(nil), RequiredTools...), extra...) {
		if _, err := exec.LookPath(tool); err != nil {
			missing = errors.Join(missing, fmt.Errorf("tool %s not found in PATH", tool))
		}
	}
	if missing != nil {
		getLogger().Warn("host verification failed", "error", missing)
	}
	return missing
}

// Prepare creates the storage directories.
func Prepare() error {
	for _, dir := range []string{StorageDir, CacheDir(), LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	getLogger().Debug("storage prepared", "storage_dir", StorageDir)
	return nil
}

// ClearCache removes every downloaded archive.
func ClearCache() error {
	getLogger().Info("clearing archive cache", "dir", CacheDir())

	if err := os.RemoveAll(CacheDir()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", CacheDir(), err)
	}
	return nil
}
