package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ArchiveKind names the container format of a source archive.
type ArchiveKind string

const (
	ArchiveTarGz  ArchiveKind = "tar.gz"
	ArchiveTarBz2 ArchiveKind = "tar.bz2"
	ArchiveTarXz  ArchiveKind = "tar.xz"
	ArchiveTarZst ArchiveKind = "tar.zst"
	ArchiveTar    ArchiveKind = "tar"
	ArchiveZip    ArchiveKind = "zip"
	ArchiveISO    ArchiveKind = "iso"
)

// Extension returns the file suffix used for cached archives of kind k.
func (k ArchiveKind) Extension() string {
	if k == "" {
		return ""
	}
	return "." + string(k)
}

// IsValid reports whether k is a known archive format.
func (k ArchiveKind) IsValid() bool {
	switch k {
	case ArchiveTarGz, ArchiveTarBz2, ArchiveTarXz, ArchiveTarZst, ArchiveTar, ArchiveZip, ArchiveISO:
		return true
	default:
		return false
	}
}

// DetectKind infers the archive format from a URL or file name.
func DetectKind(name string) ArchiveKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ArchiveTarGz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return ArchiveTarBz2
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return ArchiveTarXz
	case strings.HasSuffix(lower, ".tar.zst"):
		return ArchiveTarZst
	case strings.HasSuffix(lower, ".tar"):
		return ArchiveTar
	case strings.HasSuffix(lower, ".zip"):
		return ArchiveZip
	case strings.HasSuffix(lower, ".iso"):
		return ArchiveISO
	default:
		return ""
	}
}

// Descriptor is the static description of one third-party dependency.
type Descriptor struct {
	Name     string
	Version  string
	URL      string
	Archive  ArchiveKind
	Checksum string
	// SourceDir points at an existing source tree, such as a local checkout.
	// When set nothing is downloaded or unpacked.
	SourceDir string
}

// Key is the deterministic name-version identifier used for archive and source
// directory names.
func (d Descriptor) Key() string {
	return d.Name + "-" + d.Version
}

// Kind returns the declared archive kind, falling back to detection from the URL.
func (d Descriptor) Kind() ArchiveKind {
	if d.Archive != "" {
		return d.Archive
	}
	return DetectKind(d.URL)
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("descriptor name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return errors.New("descriptor version is required")
	}
	return nil
}

// ResolveURL expands the URL template. {{.Name}} and {{.Version}} are available,
// as well as {{.MajorMinor}} for layouts such as .../3.12/foo-3.12.1.tar.xz.
func (d Descriptor) ResolveURL() (string, error) {
	if strings.TrimSpace(d.URL) == "" {
		return "", errors.New("source URL is not configured")
	}

	tmpl, err := template.New(d.Name).Option("missingkey=error").Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse URL template: %w", err)
	}

	data := map[string]string{
		"Name":       d.Name,
		"Version":    d.Version,
		"MajorMinor": majorMinor(d.Version),
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render URL template: %w", err)
	}
	return out.String(), nil
}

func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}
