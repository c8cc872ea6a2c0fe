package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/xbuild/internal/artifacts"
	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/packaging"
	"github.com/cochaviz/xbuild/internal/pipeline"
	"github.com/cochaviz/xbuild/internal/target"
)

// BuildService exposes the operations of the orchestrator for one pipeline
// definition and one target profile.
type BuildService struct {
	Logger               *slog.Logger
	DefinitionRepository DefinitionRepository
	Pipeline             string
	Profile              *target.Profile
	Fetcher              SourceFetcher
	Runner               *pipeline.Runner
	Collector            ArtifactCollector
	Packager             ImagePackager
	// ReleaseDir receives release images; defaults to <install root>/release.
	ReleaseDir  string
	Parallelism int
}

// Release is the outcome of a full release.
type Release struct {
	Report    *pipeline.Report
	Collected artifacts.CollectedSet
	Image     packaging.Image
}

// RecipeStatus is one line of the recipe listing.
type RecipeStatus struct {
	ID             string
	Stage          string
	Dependency     string
	Version        string
	Optional       bool
	OutputsPresent bool
}

func (s BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Plan loads the configured definition and binds it to the profile.
func (s *BuildService) Plan() (*Plan, error) {
	if s.DefinitionRepository == nil {
		return nil, errors.New("definition repository is not configured")
	}
	if s.Profile == nil {
		return nil, errors.New("target profile is not configured")
	}

	definition, err := s.DefinitionRepository.Get(s.Pipeline)
	if err != nil {
		return nil, err
	}
	return Compile(definition, s.Profile)
}

// Validate runs the static checks of the pipeline for the target.
func (s *BuildService) Validate() error {
	plan, err := s.Plan()
	if err != nil {
		return err
	}
	return plan.Validate()
}

// List returns every recipe in execution order.
func (s *BuildService) List() ([]RecipeStatus, error) {
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}

	recipes := plan.Graph.Recipes()
	statuses := make([]RecipeStatus, 0, len(recipes))
	for _, r := range recipes {
		statuses = append(statuses, RecipeStatus{
			ID:             r.ID,
			Stage:          string(r.Stage),
			Dependency:     r.Dependency,
			Version:        plan.Dependencies[r.Dependency].Version,
			Optional:       r.Optional,
			OutputsPresent: plan.OutputsPresent(r.ID),
		})
	}
	return statuses, nil
}

// FetchAll downloads and unpacks the sources of every dependency.
func (s *BuildService) FetchAll(ctx context.Context) (map[string]string, error) {
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}
	if s.Fetcher == nil {
		return nil, errors.New("fetcher is not configured")
	}

	descriptors := make([]fetch.Descriptor, 0, len(plan.Definition.Dependencies))
	for _, dep := range plan.Definition.Dependencies {
		descriptors = append(descriptors, plan.Dependencies[dep.Name])
	}

	logger := s.logger().With("pipeline", plan.Definition.Name)
	logger.Info("fetching dependency sources", "dependencies", len(descriptors), "parallelism", s.parallelism())
	paths, err := s.Fetcher.EnsureAll(ctx, descriptors, s.parallelism())
	if err != nil {
		return paths, err
	}
	logger.Info("dependency sources ready", "dependencies", len(paths))
	return paths, nil
}

// BuildAll runs every recipe of the pipeline.
func (s *BuildService) BuildAll(ctx context.Context, policy pipeline.Policy) (*pipeline.Report, error) {
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, plan, policy)
}

// BuildOne runs the recipes named by ids, in pipeline order. Their inputs must
// already be present.
func (s *BuildService) BuildOne(ctx context.Context, policy pipeline.Policy, ids ...string) (*pipeline.Report, error) {
	if len(ids) == 0 {
		return nil, errors.New("at least one recipe id is required")
	}
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}
	selected, err := plan.Graph.Select(ids...)
	if err != nil {
		return nil, err
	}
	plan.Graph = selected
	return s.execute(ctx, plan, policy)
}

func (s *BuildService) execute(ctx context.Context, plan *Plan, policy pipeline.Policy) (*pipeline.Report, error) {
	if s.Runner == nil {
		return nil, errors.New("pipeline runner is not configured")
	}

	runner := *s.Runner
	runner.Dependencies = plan.Dependencies
	if s.Fetcher != nil {
		runner.Fetcher = s.Fetcher
	}
	if runner.Logger == nil {
		runner.Logger = s.logger()
	}

	s.logger().Info("building pipeline",
		"pipeline", plan.Definition.Name,
		"target", plan.Profile.Arch(),
		"install_root", plan.Profile.InstallRoot(),
		"recipes", plan.Graph.Len(),
	)
	return runner.Execute(ctx, plan.Graph, plan.Profile, policy)
}

// Clean removes the declared outputs and unpacked sources of the recipes named
// by ids. Downloaded archives are kept. Without ids every recipe is cleaned and
// the dist tree removed.
func (s *BuildService) Clean(ids ...string) error {
	plan, err := s.Plan()
	if err != nil {
		return err
	}

	recipes := plan.Graph.Recipes()
	if len(ids) > 0 {
		selected, err := plan.Graph.Select(ids...)
		if err != nil {
			return err
		}
		recipes = selected.Recipes()
	}

	logger := s.logger().With("pipeline", plan.Definition.Name)
	var errs error
	for _, r := range recipes {
		for _, output := range plan.Outputs(r.ID) {
			if err := os.RemoveAll(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = errors.Join(errs, fmt.Errorf("recipe %s: remove %s: %w", r.ID, output, err))
			}
		}
		if r.Dependency != "" && s.Fetcher != nil {
			if err := s.Fetcher.RemoveSource(plan.Dependencies[r.Dependency]); err != nil {
				errs = errors.Join(errs, fmt.Errorf("recipe %s: %w", r.ID, err))
			}
		}
		logger.Info("cleaned recipe", "recipe", r.ID)
	}

	if len(ids) == 0 {
		if err := os.RemoveAll(plan.DistDir()); err != nil {
			errs = errors.Join(errs, fmt.Errorf("remove dist tree: %w", err))
		}
	}
	return errs
}

// Collect gathers the redistributable tree of a finished build.
func (s *BuildService) Collect() (artifacts.CollectedSet, error) {
	plan, err := s.Plan()
	if err != nil {
		return artifacts.CollectedSet{}, err
	}
	return s.collect(plan)
}

func (s *BuildService) collect(plan *Plan) (artifacts.CollectedSet, error) {
	if s.Collector == nil {
		return artifacts.CollectedSet{}, errors.New("artifact collector is not configured")
	}
	return s.Collector.Collect(plan.Profile, plan.Manifest, plan.DistDir())
}

// FullRelease cleans, fetches, builds every recipe and, only when the build
// succeeded, collects the dist tree and packages it into a release image. A
// failed build is not an error: the report carries the failure.
func (s *BuildService) FullRelease(ctx context.Context, policy pipeline.Policy) (Release, error) {
	plan, err := s.Plan()
	if err != nil {
		return Release{}, err
	}
	logger := s.logger().With("pipeline", plan.Definition.Name, "target", plan.Profile.Arch())

	logger.Info("cleaning previous build")
	if err := s.Clean(); err != nil {
		return Release{}, err
	}
	if _, err := s.FetchAll(ctx); err != nil {
		return Release{}, err
	}

	report, err := s.execute(ctx, plan, policy)
	if err != nil {
		return Release{}, err
	}
	release := Release{Report: report}
	if !report.Succeeded() {
		logger.Warn("build failed, skipping collection and packaging", "exit_code", report.ExitCode())
		return release, nil
	}

	release.Collected, err = s.collect(plan)
	if err != nil {
		return release, err
	}

	if s.Packager == nil {
		return release, errors.New("packager is not configured")
	}
	definition := plan.Definition
	machine := plan.Profile.Arch().Machine()
	imagePath := filepath.Join(s.releaseDir(), packaging.ImageName(definition.Project, definition.Version, machine))
	release.Image, err = s.Packager.Package(
		plan.DistDir(),
		imagePath,
		packaging.VolumeLabel(definition.Project, definition.Version, machine),
	)
	if err != nil {
		return release, err
	}

	logger.Info("release complete", "image", release.Image.Path, "artifacts", release.Collected.Count())
	return release, nil
}

func (s *BuildService) releaseDir() string {
	if s.ReleaseDir != "" {
		return s.ReleaseDir
	}
	return filepath.Join(s.Profile.InstallRoot(), "release")
}

func (s *BuildService) parallelism() int {
	if s.Parallelism > 0 {
		return s.Parallelism
	}
	return 4
}
