package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
)

// Fetcher ensures that unpacked source trees exist for dependency descriptors.
// Both the downloaded archive and the unpacked directory are idempotency keys:
// an existing source tree short-circuits everything, an existing archive skips
// the download.
type Fetcher struct {
	CacheDir   string
	SourceRoot string
	Transports map[string]Transport
	Logger     *slog.Logger

	locks sync.Map
}

func (f *Fetcher) logger() *slog.Logger {
	if f != nil && f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// ArchivePath returns where the archive for d is cached.
func (f *Fetcher) ArchivePath(d Descriptor) string {
	return filepath.Join(f.CacheDir, d.Key()+d.Kind().Extension())
}

// SourcePath returns the deterministic unpack directory for d.
func (f *Fetcher) SourcePath(d Descriptor) string {
	if d.SourceDir != "" {
		return d.SourceDir
	}
	return filepath.Join(f.SourceRoot, d.Key())
}

// Ensure returns the source tree path for d, downloading and unpacking only
// what is missing.
func (f *Fetcher) Ensure(ctx context.Context, d Descriptor) (string, error) {
	if err := d.validate(); err != nil {
		return "", &FetchError{Name: d.Name, Err: err}
	}
	if f.CacheDir == "" || f.SourceRoot == "" {
		return "", &FetchError{Name: d.Name, Err: errors.New("cache and source directories must be configured")}
	}

	unlock := f.lock(d.Key())
	defer unlock()

	logger := f.logger().With("dependency", d.Name, "version", d.Version)
	if d.SourceDir != "" {
		if !exists(d.SourceDir) {
			return "", &FetchError{Name: d.Name, URL: d.SourceDir, Err: fs.ErrNotExist}
		}
		logger.Debug("using local source tree", "path", d.SourceDir)
		return d.SourceDir, nil
	}
	sourcePath := f.SourcePath(d)

	if exists(sourcePath) {
		logger.Debug("source tree present, skipping fetch", "path", sourcePath)
		return sourcePath, nil
	}

	archivePath := f.ArchivePath(d)
	if exists(archivePath) {
		logger.Debug("archive present, skipping download", "archive", archivePath)
	} else {
		if err := f.download(ctx, d, archivePath, logger); err != nil {
			return "", err
		}
	}

	if err := f.unpack(d, archivePath, sourcePath); err != nil {
		return "", err
	}
	logger.Info("source tree unpacked", "path", sourcePath)
	return sourcePath, nil
}

// EnsureAll fetches independent descriptors with at most parallelism
// concurrent downloads. The returned map is keyed by descriptor name. The first
// failure cancels the remaining work.
func (f *Fetcher) EnsureAll(ctx context.Context, descriptors []Descriptor, parallelism int) (map[string]string, error) {
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		mu    sync.Mutex
		paths = make(map[string]string, len(descriptors))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, d := range descriptors {
		g.Go(func() error {
			path, err := f.Ensure(gctx, d)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[d.Name] = path
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return paths, err
	}
	return paths, nil
}

// RemoveSource deletes the unpacked source tree of d. The archive is kept, as
// is a local SourceDir.
func (f *Fetcher) RemoveSource(d Descriptor) error {
	if d.SourceDir != "" {
		return nil
	}
	unlock := f.lock(d.Key())
	defer unlock()

	if err := os.RemoveAll(f.SourcePath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove source tree %s: %w", f.SourcePath(d), err)
	}
	return nil
}

func (f *Fetcher) lock(key string) func() {
	value, _ := f.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (f *Fetcher) download(ctx context.Context, d Descriptor, archivePath string, logger *slog.Logger) error {
	rawURL, err := d.ResolveURL()
	if err != nil {
		return &FetchError{Name: d.Name, Err: err}
	}

	source, err := url.Parse(rawURL)
	if err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: err}
	}

	scheme := strings.ToLower(source.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	transport, ok := f.Transports[scheme]
	if !ok {
		return &FetchError{Name: d.Name, URL: rawURL, Err: fmt.Errorf("no transport for scheme %q", scheme)}
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: err}
	}

	pending, err := renameio.TempFile("", archivePath)
	if err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: fmt.Errorf("create temp archive: %w", err)}
	}
	defer pending.Cleanup()

	logger.Info("downloading source archive", "url", rawURL)

	hash := sha256.New()
	size, err := transport.Fetch(ctx, source, io.MultiWriter(pending, hash))
	if err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: err}
	}

	if err := verifyChecksum(d.Checksum, hash.Sum(nil)); err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: err}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return &FetchError{Name: d.Name, URL: rawURL, Err: fmt.Errorf("store archive: %w", err)}
	}

	logger.Info("source archive downloaded", "archive", archivePath, "size", humanize.Bytes(uint64(size)))
	return nil
}

func (f *Fetcher) unpack(d Descriptor, archivePath, sourcePath string) error {
	kind := d.Kind()
	if !kind.IsValid() {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: fmt.Errorf("unsupported archive kind %q", kind)}
	}

	if err := os.MkdirAll(f.SourceRoot, 0o755); err != nil {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: err}
	}

	staging, err := os.MkdirTemp(f.SourceRoot, ".unpack-"+d.Key()+"-*")
	if err != nil {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: err}
	}
	defer os.RemoveAll(staging)

	if err := Unpack(kind, archivePath, staging); err != nil {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: err}
	}

	root, err := strippedRoot(staging)
	if err != nil {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: err}
	}

	if err := os.Rename(root, sourcePath); err != nil {
		return &UnpackError{Name: d.Name, Archive: archivePath, Err: fmt.Errorf("move source tree into place: %w", err)}
	}
	return nil
}

// strippedRoot returns the single top-level directory of an unpacked archive,
// or the staging directory itself when the archive has several entries.
func strippedRoot(staging string) (string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("archive is empty")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), nil
	}
	return staging, nil
}

func verifyChecksum(expected string, sum []byte) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}

	algorithm, digest, found := strings.Cut(expected, ":")
	if !found {
		digest = algorithm
		algorithm = "sha256"
	}
	if !strings.EqualFold(algorithm, "sha256") {
		return fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	actual := hex.EncodeToString(sum)
	if !strings.EqualFold(digest, actual) {
		return fmt.Errorf("checksum mismatch: expected sha256:%s, got sha256:%s", digest, actual)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
