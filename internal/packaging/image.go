package packaging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"github.com/kdomanski/iso9660"
)

// CollisionError is returned when several files of the dist tree map onto the
// same name inside the image.
type CollisionError struct {
	ImagePath string
	Files     []string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("files %s collide at %s inside the image", strings.Join(e.Files, ", "), e.ImagePath)
}

// Image describes a written release image.
type Image struct {
	Path     string            `json:"path"`
	Label    string            `json:"label"`
	Size     int64             `json:"size"`
	Checksum string            `json:"checksum"`
	Entries  map[string]string `json:"entries"`
}

// ImageName returns the file name of the release image of project.
func ImageName(project, version, machine string) string {
	return fmt.Sprintf("%s-%s-%s.iso", project, version, machine)
}

// Packager turns a dist tree into a release image.
type Packager struct {
	Logger *slog.Logger
}

func (p *Packager) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Package writes the contents of distDir to an ISO9660 image at imagePath.
// The image only appears at imagePath once it has been written completely.
func (p *Packager) Package(distDir, imagePath, label string) (Image, error) {
	entries, err := imageEntries(distDir)
	if err != nil {
		return Image{}, err
	}
	if len(entries) == 0 {
		return Image{}, fmt.Errorf("dist tree %s is empty", distDir)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return Image{}, fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(distDir, "/"); err != nil {
		return Image{}, fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return Image{}, fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := renameio.TempFile("", imagePath)
	if err != nil {
		return Image{}, fmt.Errorf("create image file: %w", err)
	}
	defer out.Cleanup()

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, hash)}
	if err := writer.WriteTo(counter, label); err != nil {
		return Image{}, fmt.Errorf("write iso: %w", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return Image{}, fmt.Errorf("finalize iso: %w", err)
	}

	image := Image{
		Path:     imagePath,
		Label:    label,
		Size:     counter.n,
		Checksum: "sha256:" + hex.EncodeToString(hash.Sum(nil)),
		Entries:  entries,
	}
	p.logger().Info("release image written", "path", imagePath, "label", label, "files", len(entries), "size", humanize.Bytes(uint64(image.Size)))
	return image, nil
}

// imageEntries maps every regular file below distDir onto its image path.
func imageEntries(distDir string) (map[string]string, error) {
	entries := make(map[string]string)
	owners := make(map[string][]string)

	err := filepath.WalkDir(distDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(distDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		mapped := ImagePath(rel)
		entries[rel] = mapped
		owners[mapped] = append(owners[mapped], rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan dist tree: %w", err)
	}

	collisions := make([]string, 0)
	for mapped, files := range owners {
		if len(files) > 1 {
			collisions = append(collisions, mapped)
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		files := owners[collisions[0]]
		sort.Strings(files)
		return nil, &CollisionError{ImagePath: collisions[0], Files: files}
	}
	return entries, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
