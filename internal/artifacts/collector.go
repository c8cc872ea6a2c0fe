package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/cochaviz/xbuild/internal/target"
)

// ManifestFileName is written at the root of every dist tree.
const ManifestFileName = "collected.json"

// Collector gathers the redistributable files of a build into a dist tree.
type Collector struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Collector) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Collect copies every file matched by manifest into distDir/bin or
// distDir/lib. All mandatory patterns without a match are reported together in
// a MissingArtifactError; files matched by other patterns are still copied.
func (c *Collector) Collect(p *target.Profile, manifest Manifest, distDir string) (CollectedSet, error) {
	now := time.Now
	if c != nil && c.Now != nil {
		now = c.Now
	}
	set := CollectedSet{
		Target:    string(p.Arch()),
		DistDir:   distDir,
		Collected: now().UTC(),
		Artifacts: make(map[string][]Artifact, len(manifest.Patterns)),
	}
	logger := c.logger().With("component", "collector", "dist", distDir)

	var missing []string
	for _, pattern := range manifest.Patterns {
		dest := pattern.Dest
		if dest == "" {
			dest = DestBin
		}

		matches, err := c.match(p, pattern.Glob, dest)
		if err != nil {
			return set, err
		}
		if len(matches) == 0 {
			if pattern.Mandatory {
				missing = append(missing, pattern.Glob)
			} else {
				logger.Debug("optional artifact not found", "pattern", pattern.Glob)
			}
			continue
		}

		for _, match := range matches {
			artifact, err := copyArtifact(match, filepath.Join(distDir, string(dest)), dest.Kind())
			if err != nil {
				return set, fmt.Errorf("collect %s: %w", match, err)
			}
			set.Artifacts[pattern.Glob] = append(set.Artifacts[pattern.Glob], artifact)
			logger.Debug("collected artifact", "file", filepath.Base(match), "size", humanize.Bytes(uint64(artifact.Size)))
		}
	}

	if err := writeManifest(distDir, set); err != nil {
		return set, err
	}

	if len(missing) > 0 {
		return set, &MissingArtifactError{Patterns: missing}
	}
	logger.Info("collected artifacts", "files", set.Count(), "size", humanize.Bytes(uint64(set.TotalSize())))
	return set, nil
}

// match resolves glob against the install tree and then the search roots.
func (c *Collector) match(p *target.Profile, glob string, dest Destination) ([]string, error) {
	dirs := []string{p.BinDir(), p.LibDir()}
	if dest == DestLib {
		dirs = []string{p.LibDir(), p.BinDir()}
	}
	dirs = append(dirs, p.SearchRoots()...)

	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, glob))
		if err != nil {
			return nil, fmt.Errorf("invalid artifact pattern %q: %w", glob, err)
		}
		files := matches[:0]
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && info.Mode().IsRegular() {
				files = append(files, match)
			}
		}
		if len(files) > 0 {
			sort.Strings(files)
			return files, nil
		}
	}
	return nil, nil
}

func copyArtifact(src, destDir string, kind ArtifactKind) (Artifact, error) {
	in, err := os.Open(src)
	if err != nil {
		return Artifact{}, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Artifact{}, err
	}

	destPath := filepath.Join(destDir, filepath.Base(src))
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return Artifact{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), in)
	if err != nil {
		out.Close()
		return Artifact{}, err
	}
	if err := out.Close(); err != nil {
		return Artifact{}, err
	}
	// umask may have narrowed the mode on create
	if err := os.Chmod(destPath, info.Mode().Perm()); err != nil {
		return Artifact{}, err
	}

	return Artifact{
		ID:          uuid.NewString(),
		Kind:        kind,
		URI:         fileURI(destPath),
		Source:      src,
		Checksum:    "sha256:" + hex.EncodeToString(hash.Sum(nil)),
		Size:        size,
		ContentType: detectContentType(destPath),
	}, nil
}

func writeManifest(distDir string, set CollectedSet) error {
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(distDir, ManifestFileName), payload, 0o644)
}
