package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/graph"
	"github.com/cochaviz/xbuild/internal/recipe"
	"github.com/cochaviz/xbuild/internal/target"
)

// LockFileName is created in the install root while a run is in progress.
const LockFileName = ".xbuild.lock"

// SourceFetcher makes the source tree of a dependency available.
type SourceFetcher interface {
	Ensure(ctx context.Context, d fetch.Descriptor) (string, error)
}

// RecipeExecutor runs a single recipe.
type RecipeExecutor interface {
	Run(ctx context.Context, r recipe.Recipe, p *target.Profile, opts recipe.RunOptions) recipe.Result
}

// Runner executes a build graph against one target profile.
type Runner struct {
	Executor RecipeExecutor
	Fetcher  SourceFetcher
	// Dependencies maps the dependency name a recipe refers to onto its
	// source descriptor.
	Dependencies map[string]fetch.Descriptor
	Logger       *slog.Logger
	LogDir       string
	Jobs         int
	BaseEnv      []string
	Now          func() time.Time
}

func (r *Runner) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) executor() RecipeExecutor {
	if r.Executor != nil {
		return r.Executor
	}
	return &recipe.Executor{Logger: r.Logger}
}

// Execute runs every recipe of g strictly in order. The returned error is
// reserved for orchestrator failures such as an unwritable log directory or a
// busy install tree; recipe failures are recorded in the report.
func (r *Runner) Execute(ctx context.Context, g *graph.Graph, p *target.Profile, policy Policy) (*Report, error) {
	if g == nil || p == nil {
		return nil, errors.New("pipeline: graph and profile are required")
	}

	if err := target.EnsureInstallTree(p); err != nil {
		return nil, err
	}
	lock, err := acquireLock(filepath.Join(p.InstallRoot(), LockFileName))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			r.logger().Warn("failed to release install tree lock", "error", err)
		}
	}()

	runID := uuid.NewString()
	report := &Report{
		RunID:   runID,
		Target:  string(p.Arch()),
		Started: r.now(),
	}

	logDir := r.LogDir
	if logDir == "" {
		logDir = filepath.Join(p.InstallRoot(), "logs")
	}
	logs, err := openRunLogs(logDir, runID, report.Started)
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	report.LogPath = logs.runPath

	logger := r.logger().With("run_id", runID, "target", p.Arch())
	logger.Info("starting build run", "recipes", g.Len(), "log", logs.runPath)

	recipes := g.Recipes()
	report.Entries = make([]Entry, len(recipes))
	for i, rec := range recipes {
		report.Entries[i] = Entry{Recipe: rec.ID, Stage: rec.Stage, Optional: rec.Optional, Status: recipe.StatusNotRun}
	}

	halted := false
	for i, rec := range recipes {
		if halted {
			break
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		out, offset, err := logs.segment(runID, rec, r.now())
		if err != nil {
			return nil, err
		}

		entry := r.runRecipe(ctx, rec, p, out, logger)
		entry.LogOffset = offset
		report.Entries[i] = entry

		if entry.Status != recipe.StatusFailed {
			continue
		}
		if entry.Reason == recipe.ReasonCancelled {
			report.Cancelled = true
			break
		}
		if rec.Optional && policy.ContinueOnOptional {
			report.Entries[i].Tolerated = true
			logger.Warn("optional recipe failed, continuing", "recipe", rec.ID, "error", entry.err)
			continue
		}
		if (entry.Reason == recipe.ReasonFetch || entry.Reason == recipe.ReasonUnpack) && !policy.FetchFatal {
			report.Entries[i].Tolerated = true
			logger.Warn("source unavailable, continuing", "recipe", rec.ID, "error", entry.err)
			continue
		}
		if report.FirstFailure == nil {
			first := report.Entries[i]
			report.FirstFailure = &first
		}
		if policy.HaltOnFailure {
			halted = true
		}
	}

	report.Finished = r.now()
	fmt.Fprintf(logs.run, "\n##### run %s finished: exit %d\n", runID, report.ExitCode())

	switch {
	case report.Cancelled:
		logger.Warn("build run cancelled")
	case report.FirstFailure != nil:
		logger.Error("build run failed", "recipe", report.FirstFailure.Recipe, "exit_code", report.ExitCode())
	default:
		logger.Info("build run succeeded", "duration", report.Finished.Sub(report.Started))
	}
	return report, nil
}

func (r *Runner) runRecipe(ctx context.Context, rec recipe.Recipe, p *target.Profile, out io.Writer, logger *slog.Logger) Entry {
	entry := Entry{Recipe: rec.ID, Stage: rec.Stage, Optional: rec.Optional}
	fail := func(reason recipe.Reason, err error) Entry {
		entry.Status = recipe.StatusFailed
		entry.Reason = reason
		entry.err = err
		entry.Error = err.Error()
		fmt.Fprintf(out, "==> [%s] %s: %v\n", rec.ID, reason, err)
		return entry
	}

	opts := recipe.RunOptions{Jobs: r.Jobs, BaseEnv: r.BaseEnv, Log: out}

	if rec.Dependency != "" {
		descriptor, ok := r.Dependencies[rec.Dependency]
		if !ok {
			return fail(recipe.ReasonFetch, fmt.Errorf("recipe %s: unknown dependency %q", rec.ID, rec.Dependency))
		}
		opts.Version = descriptor.Version

		if r.Fetcher == nil {
			return fail(recipe.ReasonFetch, fmt.Errorf("recipe %s: no fetcher configured", rec.ID))
		}
		started := r.now()
		sourceDir, err := r.Fetcher.Ensure(ctx, descriptor)
		if err != nil {
			entry.Duration = r.now().Sub(started)
			if ctx.Err() != nil {
				return fail(recipe.ReasonCancelled, &recipe.CancelledError{Recipe: rec.ID, Err: ctx.Err()})
			}
			var unpackErr *fetch.UnpackError
			if errors.As(err, &unpackErr) {
				return fail(recipe.ReasonUnpack, err)
			}
			return fail(recipe.ReasonFetch, err)
		}
		opts.SourceDir = sourceDir
		fmt.Fprintf(out, "==> [%s] source %s at %s\n", rec.ID, descriptor.Key(), sourceDir)
	}

	logger.Info("running recipe", "recipe", rec.ID, "stage", rec.Stage)
	result := r.executor().Run(ctx, rec, p, opts)

	entry.Status = result.Status
	entry.Reason = result.Reason
	entry.Step = string(result.Step)
	entry.ExitCode = result.ExitCode
	entry.StepsRun = result.StepsRun
	entry.Duration = result.Duration
	if result.Err != nil {
		entry.err = result.Err
		entry.Error = result.Err.Error()
	}
	if result.Status == recipe.StatusSkipped {
		logger.Info("recipe up to date", "recipe", rec.ID)
	}
	return entry
}
