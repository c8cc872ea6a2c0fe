package build

import (
	"context"

	"github.com/cochaviz/xbuild/internal/artifacts"
	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/packaging"
	"github.com/cochaviz/xbuild/internal/target"
)

// SourceFetcher downloads and unpacks dependency sources.
type SourceFetcher interface {
	Ensure(ctx context.Context, d fetch.Descriptor) (string, error)
	EnsureAll(ctx context.Context, descriptors []fetch.Descriptor, parallelism int) (map[string]string, error)
	RemoveSource(d fetch.Descriptor) error
}

// ArtifactCollector gathers the redistributable tree.
type ArtifactCollector interface {
	Collect(p *target.Profile, manifest artifacts.Manifest, distDir string) (artifacts.CollectedSet, error)
}

// ImagePackager writes a release image of a dist tree.
type ImagePackager interface {
	Package(distDir, imagePath, label string) (packaging.Image, error)
}
