package simple

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cochaviz/xbuild/internal/artifacts"
	"github.com/cochaviz/xbuild/internal/build"
	definitions "github.com/cochaviz/xbuild/internal/build/repositories"
	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/logging"
	"github.com/cochaviz/xbuild/internal/packaging"
	"github.com/cochaviz/xbuild/internal/pipeline"
	"github.com/cochaviz/xbuild/internal/recipe"
	"github.com/cochaviz/xbuild/internal/setup"
	"github.com/cochaviz/xbuild/internal/target"
)

const (
	DefaultTarget      = "64-bit"
	DefaultParallelism = 4
)

// Options are the inputs of the orchestrator. Flags fill them first; empty
// fields fall back to the environment and then to built-in defaults.
type Options struct {
	Target          string
	InstallRoot     string
	ToolchainPrefix string
	StorageDir      string
	Pipeline        string
	PipelineFile    string
	ReleaseDir      string
	Jobs            int
	Parallelism     int
	S3Endpoint      string
	S3Insecure      bool
}

// OptionsFromEnv reads the XBUILD_* environment variables.
func OptionsFromEnv(lookup func(string) (string, bool)) Options {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}
	atoi := func(key string) int {
		n, err := strconv.Atoi(get(key))
		if err != nil {
			return 0
		}
		return n
	}

	insecure, _ := strconv.ParseBool(get("XBUILD_S3_INSECURE"))
	return Options{
		Target:          get("XBUILD_TARGET"),
		InstallRoot:     get("XBUILD_INSTALL_ROOT"),
		ToolchainPrefix: get("XBUILD_TOOLCHAIN_PREFIX"),
		StorageDir:      get("XBUILD_STORAGE_DIR"),
		Pipeline:        get("XBUILD_PIPELINE"),
		PipelineFile:    get("XBUILD_PIPELINE_FILE"),
		ReleaseDir:      get("XBUILD_RELEASE_DIR"),
		Jobs:            atoi("XBUILD_JOBS"),
		Parallelism:     atoi("XBUILD_FETCH_PARALLELISM"),
		S3Endpoint:      get("XBUILD_S3_ENDPOINT"),
		S3Insecure:      insecure,
	}
}

// Merge returns o with every empty field taken from fallback.
func (o Options) Merge(fallback Options) Options {
	pick := func(value, other string) string {
		if value != "" {
			return value
		}
		return other
	}
	out := o
	out.Target = pick(o.Target, fallback.Target)
	out.InstallRoot = pick(o.InstallRoot, fallback.InstallRoot)
	out.ToolchainPrefix = pick(o.ToolchainPrefix, fallback.ToolchainPrefix)
	out.StorageDir = pick(o.StorageDir, fallback.StorageDir)
	out.Pipeline = pick(o.Pipeline, fallback.Pipeline)
	out.PipelineFile = pick(o.PipelineFile, fallback.PipelineFile)
	out.ReleaseDir = pick(o.ReleaseDir, fallback.ReleaseDir)
	out.S3Endpoint = pick(o.S3Endpoint, fallback.S3Endpoint)
	if out.Jobs == 0 {
		out.Jobs = fallback.Jobs
	}
	if out.Parallelism == 0 {
		out.Parallelism = fallback.Parallelism
	}
	out.S3Insecure = o.S3Insecure || fallback.S3Insecure
	return out
}

func (o Options) withDefaults() Options {
	if o.Target == "" {
		o.Target = DefaultTarget
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	return o
}

// ResolveProfile resolves the target profile described by opts.
func ResolveProfile(opts Options) (*target.Profile, error) {
	opts = opts.withDefaults()
	if opts.StorageDir != "" {
		setup.StorageDir = opts.StorageDir
	}
	return target.Resolve(opts.Target, target.Options{
		InstallRoot:     opts.InstallRoot,
		ToolchainPrefix: opts.ToolchainPrefix,
		StorageDir:      opts.StorageDir,
	})
}

// NewBuildService wires the orchestrator for opts.
func NewBuildService(opts Options, logger *slog.Logger) (*build.BuildService, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	opts = opts.withDefaults()

	profile, err := ResolveProfile(opts)
	if err != nil {
		return nil, err
	}

	repository, err := definitions.NewEmbeddedDefinitionRepository()
	if err != nil {
		return nil, err
	}
	pipelineName := opts.Pipeline
	if opts.PipelineFile != "" {
		definition, err := definitions.LoadFile(opts.PipelineFile)
		if err != nil {
			return nil, err
		}
		if _, err := repository.Save(definition); err != nil {
			return nil, err
		}
		pipelineName = definition.Name
	}

	transports := fetch.DefaultTransports()
	if opts.S3Endpoint != "" {
		s3, err := fetch.NewS3Transport(opts.S3Endpoint, !opts.S3Insecure)
		if err != nil {
			return nil, fmt.Errorf("configure s3 transport: %w", err)
		}
		transports["s3"] = s3
	}

	fetcher := &fetch.Fetcher{
		CacheDir:   setup.CacheDir(),
		SourceRoot: setup.SourceDir(profile.Arch().Machine()),
		Transports: transports,
		Logger:     logging.Component(logger, "fetcher"),
	}

	runner := &pipeline.Runner{
		Executor: &recipe.Executor{
			Runner: &recipe.ShellRunner{},
			Logger: logging.Component(logger, "executor"),
		},
		Fetcher: fetcher,
		Logger:  logging.Component(logger, "runner"),
		LogDir:  setup.LogDir(),
		Jobs:    opts.Jobs,
	}

	logger.Debug("orchestrator configured",
		"target", profile.Arch(),
		"host", profile.Host(),
		"install_root", profile.InstallRoot(),
		"storage_dir", setup.StorageDir,
		"pipeline", pipelineName,
	)

	return &build.BuildService{
		Logger:               logging.Component(logger, "build"),
		DefinitionRepository: repository,
		Pipeline:             pipelineName,
		Profile:              profile,
		Fetcher:              fetcher,
		Runner:               runner,
		Collector:            &artifacts.Collector{Logger: logging.Component(logger, "collector")},
		Packager:             &packaging.Packager{Logger: logging.Component(logger, "packaging")},
		ReleaseDir:           opts.ReleaseDir,
		Parallelism:          opts.Parallelism,
	}, nil
}
