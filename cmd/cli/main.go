package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/xbuild/config"
	"github.com/cochaviz/xbuild/internal/build"
	"github.com/cochaviz/xbuild/internal/logging"
	"github.com/cochaviz/xbuild/internal/pipeline"
	"github.com/cochaviz/xbuild/internal/setup"
)

const defaultLogLevel = "info"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type app struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar
	stdout   io.Writer
	stderr   io.Writer

	options   config.Options
	logLevel  string
	logFormat string
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger, levelVar: &levelVar, stdout: os.Stdout, stderr: os.Stderr}
	root := newRootCommand(a)
	os.Exit(a.exitCode(root.ExecuteContext(ctx)))
}

func (a *app) exitCode(err error) int {
	if err == nil {
		return pipeline.ExitSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if errors.Is(err, context.Canceled) {
		a.logger.Warn("command interrupted", "error", err)
		return pipeline.ExitCancelled
	}
	a.logger.Error("command execution failed", "error", err)
	return pipeline.ExitInternal
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "xbuild",
		Short:         "Cross-compile a project and its native dependencies for MinGW-w64 targets",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&a.options.Target, "target", "t", "", "Target architecture (64-bit, 32-bit, arm64) [$XBUILD_TARGET]")
	flags.StringVar(&a.options.InstallRoot, "install-root", "", "Install tree of the target [$XBUILD_INSTALL_ROOT]")
	flags.StringVar(&a.options.ToolchainPrefix, "toolchain-prefix", "", "Cross tool prefix, e.g. x86_64-w64-mingw32- [$XBUILD_TOOLCHAIN_PREFIX]")
	flags.StringVar(&a.options.StorageDir, "storage-dir", "", "Directory for archives, sources and logs [$XBUILD_STORAGE_DIR]")
	flags.StringVar(&a.options.Pipeline, "pipeline", "", "Name of the built-in pipeline definition [$XBUILD_PIPELINE]")
	flags.StringVarP(&a.options.PipelineFile, "file", "f", "", "Pipeline definition file [$XBUILD_PIPELINE_FILE]")
	flags.IntVarP(&a.options.Jobs, "jobs", "j", 0, "Parallel jobs passed to make through {{.JOBS}} [$XBUILD_JOBS]")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(a.logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.logger = logging.New(mode, a.stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(logging.Component(a.logger, "setup"))

		a.options = a.options.Merge(config.OptionsFromEnv(nil))
		return nil
	}

	root.AddCommand(
		newSetupCommand(a),
		newFetchAllCommand(a),
		newBuildAllCommand(a),
		newBuildCommand(a),
		newCleanCommand(a),
		newReleaseCommand(a),
		newCollectCommand(a),
		newListCommand(a),
		newValidateCommand(a),
		newEnvCommand(a),
	)
	return root
}

func (a *app) service() (*build.BuildService, error) {
	return config.NewBuildService(a.options, a.logger)
}

func verifySetup(logger *slog.Logger, service *build.BuildService) error {
	logger = logger.With("action", "verify_setup")
	if err := setup.Verify(service.Profile.Tool("gcc")); err != nil {
		logger.Error("host verification failed", "error", err)
		logger.Info("install the MinGW-w64 cross toolchain or set --toolchain-prefix")
		return err
	}
	if err := setup.Prepare(); err != nil {
		return err
	}
	logger.Debug("host verification succeeded")
	return nil
}

type policyFlags struct {
	keepGoing    bool
	failOptional bool
	lenientFetch bool
	reportPath   string
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.keepGoing, "keep-going", "k", false, "Attempt every recipe instead of halting at the first failure")
	cmd.Flags().BoolVar(&f.failOptional, "fail-optional", false, "Treat failures of optional recipes as fatal")
	cmd.Flags().BoolVar(&f.lenientFetch, "lenient-fetch", false, "Do not treat fetch failures as fatal")
	cmd.Flags().StringVar(&f.reportPath, "report", "", "Write the JSON build report to this file (default: next to the run log)")
}

func (f *policyFlags) policy() pipeline.Policy {
	policy := pipeline.DefaultPolicy()
	policy.HaltOnFailure = !f.keepGoing
	policy.ContinueOnOptional = !f.failOptional
	policy.FetchFatal = !f.lenientFetch
	return policy
}

// finish prints the summary of report and turns a failed run into its exit
// status.
func (a *app) finish(report *pipeline.Report, reportPath string) error {
	if err := report.Summary(a.stdout); err != nil {
		return err
	}
	if reportPath == "" && report.LogPath != "" {
		reportPath = strings.TrimSuffix(report.LogPath, filepath.Ext(report.LogPath)) + ".json"
	}
	if reportPath != "" {
		if err := report.WriteJSON(reportPath); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if code := report.ExitCode(); code != pipeline.ExitSuccess {
		a.logger.Error("build failed", "exit_code", code, "log", report.LogPath)
		return &exitError{code: code}
	}
	a.logger.Info("build completed", "log", report.LogPath)
	return nil
}

func newSetupCommand(a *app) *cobra.Command {
	var clearCache bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Verify host tools and create the storage directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "setup")
			service, err := a.service()
			if err != nil {
				return err
			}

			if clearCache {
				if err := setup.ClearCache(); err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				cmdLogger.Info("archive cache cleared")
			}
			if err := verifySetup(cmdLogger, service); err != nil {
				return err
			}
			cmdLogger.Info("setup completed", "storage_dir", setup.StorageDir, "install_root", service.Profile.InstallRoot())
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCache, "clear-cache", false, "Remove every downloaded archive first")
	return cmd
}

func newFetchAllCommand(a *app) *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "fetch-all",
		Short: "Download and unpack the sources of every dependency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallelism > 0 {
				a.options.Parallelism = parallelism
			}
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := setup.Prepare(); err != nil {
				return err
			}

			paths, err := service.FetchAll(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(paths))
			for name := range paths {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(a.stdout, "%s\t%s\n", name, paths[name])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallelism, "parallel", "p", 0, "Concurrent downloads [$XBUILD_FETCH_PARALLELISM]")
	return cmd
}

func newBuildAllCommand(a *app) *cobra.Command {
	var flags policyFlags

	cmd := &cobra.Command{
		Use:   "build-all",
		Short: "Run every recipe of the pipeline in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := verifySetup(a.logger, service); err != nil {
				return err
			}
			report, err := service.BuildAll(cmd.Context(), flags.policy())
			if err != nil {
				return err
			}
			return a.finish(report, flags.reportPath)
		},
	}
	flags.register(cmd)
	return cmd
}

func newBuildCommand(a *app) *cobra.Command {
	var flags policyFlags

	cmd := &cobra.Command{
		Use:   "build <recipe-id>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Run the named recipes; their inputs must already be installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := verifySetup(a.logger, service); err != nil {
				return err
			}
			report, err := service.BuildOne(cmd.Context(), flags.policy(), trimAll(args)...)
			if err != nil {
				return err
			}
			return a.finish(report, flags.reportPath)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCleanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [recipe-id]...",
		Short: "Remove declared outputs and unpacked sources; archives are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := service.Clean(trimAll(args)...); err != nil {
				return err
			}
			a.logger.Info("clean completed", "recipes", len(args))
			return nil
		},
	}
}

func newReleaseCommand(a *app) *cobra.Command {
	var flags policyFlags

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Clean, fetch, build, collect and package a release image",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := verifySetup(a.logger, service); err != nil {
				return err
			}
			release, err := service.FullRelease(cmd.Context(), flags.policy())
			if err != nil {
				return err
			}
			if err := a.finish(release.Report, flags.reportPath); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "\nrelease image: %s (%s)\n", release.Image.Path, release.Image.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&a.options.ReleaseDir, "release-dir", "", "Directory receiving the release image [$XBUILD_RELEASE_DIR]")
	flags.register(cmd)
	return cmd
}

func newCollectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Copy the runtime files of an existing build into the distribution tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			set, err := service.Collect()
			if err != nil {
				return err
			}
			patterns := make([]string, 0, len(set.Artifacts))
			for pattern := range set.Artifacts {
				patterns = append(patterns, pattern)
			}
			sort.Strings(patterns)
			for _, pattern := range patterns {
				for _, artifact := range set.Artifacts[pattern] {
					fmt.Fprintf(a.stdout, "%s\t%s\n", artifact.Kind, artifact.URI)
				}
			}
			a.logger.Info("collection completed", "dist_dir", set.DistDir, "files", set.Count())
			return nil
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the recipes of the pipeline in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			statuses, err := service.List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECIPE\tSTAGE\tDEPENDENCY\tBUILT")
			for _, status := range statuses {
				dependency := "-"
				if status.Dependency != "" {
					dependency = status.Dependency + " " + status.Version
				}
				built := "no"
				if status.OutputsPresent {
					built = "yes"
				}
				id := status.ID
				if status.Optional {
					id += " (optional)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, status.Stage, dependency, built)
			}
			return tw.Flush()
		},
	}
}

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline for ordering and declaration errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := a.service()
			if err != nil {
				return err
			}
			if err := service.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "pipeline is valid")
			return nil
		},
	}
}

func newEnvCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print the environment injected into every recipe step",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.ResolveProfile(a.options)
			if err != nil {
				return err
			}
			vars := profile.Vars()
			keys := make([]string, 0, len(vars))
			for key := range vars {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(a.stdout, "%s=%q\n", key, vars[key])
			}
			return nil
		},
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
