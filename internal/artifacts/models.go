package artifacts

import "time"

type ArtifactKind string

const (
	BinaryArtifact  ArtifactKind = "binary"  // DLLs and executables shipped next to the program
	LibraryArtifact ArtifactKind = "library" // import and static libraries
	ImageArtifact   ArtifactKind = "image"   // packaged release images
)

// Destination is the directory of the dist tree a pattern is copied into.
type Destination string

const (
	DestBin Destination = "bin"
	DestLib Destination = "lib"
)

// Kind returns the artifact kind of files collected into d.
func (d Destination) Kind() ArtifactKind {
	if d == DestLib {
		return LibraryArtifact
	}
	return BinaryArtifact
}

// Pattern selects files by glob. The glob is matched in the install tree first,
// then in the toolchain search roots; the first location with a match wins.
type Pattern struct {
	Glob      string      `json:"glob" yaml:"glob" validate:"required"`
	Mandatory bool        `json:"mandatory" yaml:"mandatory"`
	Dest      Destination `json:"dest" yaml:"dest" validate:"omitempty,oneof=bin lib"`
}

// Manifest is the set of patterns making up a redistributable tree.
type Manifest struct {
	Patterns []Pattern `json:"patterns" yaml:"patterns"`
}

// With returns a copy of m extended with patterns. Patterns whose glob is
// already present replace the earlier entry.
func (m Manifest) With(patterns ...Pattern) Manifest {
	out := Manifest{Patterns: append([]Pattern(nil), m.Patterns...)}
	for _, pattern := range patterns {
		replaced := false
		for i := range out.Patterns {
			if out.Patterns[i].Glob == pattern.Glob {
				out.Patterns[i] = pattern
				replaced = true
				break
			}
		}
		if !replaced {
			out.Patterns = append(out.Patterns, pattern)
		}
	}
	return out
}

type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Source      string `json:"source"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// CollectedSet is the result of a collection: every pattern mapped onto the
// artifacts it produced.
type CollectedSet struct {
	Target    string                `json:"target"`
	DistDir   string                `json:"dist_dir"`
	Collected time.Time             `json:"collected"`
	Artifacts map[string][]Artifact `json:"artifacts"`
}

// Count returns the number of collected files.
func (s CollectedSet) Count() int {
	n := 0
	for _, list := range s.Artifacts {
		n += len(list)
	}
	return n
}

// TotalSize returns the combined size of every collected file.
func (s CollectedSet) TotalSize() int64 {
	var total int64
	for _, list := range s.Artifacts {
		for _, artifact := range list {
			total += artifact.Size
		}
	}
	return total
}
