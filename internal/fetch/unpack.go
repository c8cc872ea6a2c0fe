package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Unpack extracts archive (of the given kind) into dest, which must exist.
func Unpack(kind ArchiveKind, archive, dest string) error {
	dest = filepath.Clean(dest)
	switch kind {
	case ArchiveTarGz, ArchiveTarBz2, ArchiveTarXz, ArchiveTarZst, ArchiveTar:
		return unpackTar(kind, archive, dest)
	case ArchiveZip:
		return unpackZip(archive, dest)
	case ArchiveISO:
		return unpackISO(archive, dest)
	default:
		return fmt.Errorf("unsupported archive kind %q", kind)
	}
}

func unpackTar(kind ArchiveKind, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch kind {
	case ArchiveTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case ArchiveTarBz2:
		r = bzip2.NewReader(f)
	case ArchiveTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("create xz reader: %w", err)
		}
		r = xzr
	case ArchiveTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := makeDir(dest, target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dest, target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := makeSymlink(dest, target, hdr.Name, hdr.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := guardParents(dest, source); err != nil {
				return err
			}
			if err := guardParents(dest, target); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create hard link %s: %w", target, err)
			}
		default:
			// pax headers, devices and fifos have no place in a source tree
		}
	}
}

func unpackZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, file := range zr.File {
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := makeDir(dest, target, 0o755); err != nil {
				return err
			}
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		if file.Mode()&os.ModeSymlink != 0 {
			err = zipSymlink(dest, target, file.Name, rc)
		} else {
			err = writeFile(dest, target, rc, file.Mode())
		}
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unpackISO(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("open iso image: %w", err)
	}

	root, err := image.RootDir()
	if err != nil {
		return fmt.Errorf("read iso root: %w", err)
	}

	return extractISODir(root, dest, "")
}

func extractISODir(dir *iso9660.File, dest, rel string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return fmt.Errorf("list %s: %w", rel, err)
	}

	for _, child := range children {
		name := isoEntryName(child.Name())
		if name == "" {
			continue
		}
		childRel := filepath.Join(rel, name)
		target, err := safeJoin(dest, childRel)
		if err != nil {
			return err
		}

		if child.IsDir() {
			if err := makeDir(dest, target, 0o755); err != nil {
				return err
			}
			if err := extractISODir(child, dest, childRel); err != nil {
				return err
			}
			continue
		}

		if err := writeFile(dest, target, child.Reader(), child.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func isoEntryName(name string) string {
	name, _, _ = strings.Cut(name, ";")
	name = strings.TrimSuffix(name, ".")
	switch name {
	case "", ".", "..", "\x00", "\x01":
		return ""
	}
	return name
}

func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

// maxLinkTarget bounds the body of a zip symlink entry.
const maxLinkTarget = 4096

// guardParents rejects target when a directory between dest and target is
// a symlink. Earlier entries must not be able to redirect later writes.
func guardParents(dest, target string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return err
	}
	parts := strings.Split(rel, string(filepath.Separator))

	current := dest
	for _, part := range parts[:len(parts)-1] {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %s passes through symlink %s", target, current)
		}
	}
	return nil
}

// checkLinkTarget walks linkname from the directory of the link and rejects
// targets that leave dest or pass through another symlink. A final component
// that is itself a link is fine: its own target was checked when it was made.
func checkLinkTarget(dest, target, name, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("symlink %s -> %s is absolute or empty", name, linkname)
	}

	current := filepath.Dir(target)
	parts := strings.Split(filepath.ToSlash(linkname), "/")
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if current == dest {
				return fmt.Errorf("symlink %s -> %s escapes the destination", name, linkname)
			}
			current = filepath.Dir(current)
		default:
			current = filepath.Join(current, part)
			if i == len(parts)-1 {
				continue
			}
			if info, err := os.Lstat(current); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("symlink %s -> %s resolves through symlink %s", name, linkname, current)
			}
		}
	}
	return nil
}

func makeSymlink(dest, target, name, linkname string) error {
	if err := guardParents(dest, target); err != nil {
		return err
	}
	if err := checkLinkTarget(dest, target, name, linkname); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(linkname, target); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create symlink %s: %w", target, err)
	}
	return nil
}

func zipSymlink(dest, target, name string, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, maxLinkTarget+1))
	if err != nil {
		return fmt.Errorf("read symlink %s: %w", name, err)
	}
	if len(data) > maxLinkTarget {
		return fmt.Errorf("symlink %s has an oversized target", name)
	}
	return makeSymlink(dest, target, name, string(data))
}

func makeDir(dest, target string, mode os.FileMode) error {
	if err := guardParents(dest, target); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("directory entry %s replaces a symlink", target)
	}
	return os.MkdirAll(target, mode)
}

func writeFile(dest, target string, r io.Reader, mode os.FileMode) error {
	if err := guardParents(dest, target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// a later entry replaces a link instead of writing through it
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

func dirMode(mode os.FileMode) os.FileMode {
	perm := mode.Perm() | 0o700
	if perm == 0o700 {
		return 0o755
	}
	return perm
}
