package recipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cochaviz/xbuild/internal/target"
)

const outputTailSize = 4096

// RunOptions carries the per-invocation inputs of Executor.Run.
type RunOptions struct {
	SourceDir string
	Version   string
	Jobs      int
	BaseEnv   []string
	Log       io.Writer
}

// Executor runs a single recipe against a target profile.
type Executor struct {
	Runner CommandRunner
	Logger *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e != nil && e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) runner() CommandRunner {
	if e != nil && e.Runner != nil {
		return e.Runner
	}
	return &ShellRunner{}
}

// OutputsPresent reports whether r declares outputs and every one of them exists.
func OutputsPresent(r Recipe) bool {
	if len(r.Outputs) == 0 {
		return false
	}
	for _, output := range r.Outputs {
		if _, err := os.Stat(output); err != nil {
			return false
		}
	}
	return true
}

// Run executes r. When every declared output already exists the recipe is
// skipped without running any step. Otherwise steps run strictly in order and
// the first failing step aborts the recipe; nothing is rolled back.
func (e *Executor) Run(ctx context.Context, r Recipe, p *target.Profile, opts RunOptions) Result {
	started := time.Now()
	result := Result{RecipeID: r.ID, StepIndex: -1}
	finish := func(status Status, reason Reason, err error) Result {
		result.Status = status
		result.Reason = reason
		result.Err = err
		result.Duration = time.Since(started)
		return result
	}

	logger := e.logger().With("recipe", r.ID)
	out := opts.Log
	if out == nil {
		out = io.Discard
	}

	vars, err := NewVariables(r, p, opts.SourceDir, opts.Version, opts.Jobs)
	if err != nil {
		return finish(StatusFailed, ReasonTemplate, err)
	}

	outputs, err := vars.ExpandAll(r.Outputs)
	if err != nil {
		return finish(StatusFailed, ReasonTemplate, &TemplateError{Recipe: r.ID, Field: "outputs", Err: err})
	}
	expanded := r
	expanded.Outputs = outputs

	if OutputsPresent(expanded) {
		logger.Info("declared outputs present, skipping recipe")
		fmt.Fprintf(out, "==> [%s] outputs present, skipped\n", r.ID)
		return finish(StatusSkipped, ReasonNone, nil)
	}

	inputs, err := vars.ExpandAll(r.Inputs)
	if err != nil {
		return finish(StatusFailed, ReasonTemplate, &TemplateError{Recipe: r.ID, Field: "inputs", Err: err})
	}
	if missing := missingPaths(inputs); len(missing) > 0 {
		fmt.Fprintf(out, "==> [%s] missing inputs: %v\n", r.ID, missing)
		return finish(StatusFailed, ReasonMissingInput, &MissingInputError{Recipe: r.ID, Paths: missing})
	}

	hostEnv := opts.BaseEnv
	if hostEnv == nil {
		hostEnv = os.Environ()
	}
	baseEnv := p.Environ(hostEnv)

	for i, step := range r.Steps {
		result.Step = step.Kind
		result.StepIndex = i

		cmd, err := e.prepare(r, step, vars, baseEnv, opts, p)
		if err != nil {
			return finish(StatusFailed, ReasonTemplate, err)
		}

		fmt.Fprintf(out, "==> [%s] %s (%d/%d) in %s\n", r.ID, step.Kind, i+1, len(r.Steps), cmd.Dir)
		fmt.Fprintf(out, "$ %s\n", cmd.Script)

		tail := &tailBuffer{limit: outputTailSize}
		cmd.Stdout = io.MultiWriter(out, tail)
		cmd.Stderr = cmd.Stdout

		logger.Info("running step", "step", step.Kind, "index", i+1, "of", len(r.Steps))
		code, runErr := e.runner().Run(ctx, cmd)
		result.StepsRun++

		if runErr != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(out, "==> [%s] %s cancelled\n", r.ID, step.Kind)
				result.ExitCode = code
				return finish(StatusFailed, ReasonCancelled, &CancelledError{Recipe: r.ID, Step: step.Kind, Err: ctx.Err()})
			}
			fmt.Fprintf(out, "==> [%s] %s could not run: %v\n", r.ID, step.Kind, runErr)
			result.ExitCode = code
			return finish(StatusFailed, ReasonStepFailed, fmt.Errorf("recipe %s: %s step: %w", r.ID, step.Kind, runErr))
		}

		fmt.Fprintf(out, "==> [%s] %s exited with code %d\n", r.ID, step.Kind, code)
		if code != 0 {
			result.ExitCode = code
			logger.Error("step failed", "step", step.Kind, "exit_code", code)
			return finish(StatusFailed, ReasonStepFailed, &StepExecutionError{
				Recipe:    r.ID,
				Step:      step.Kind,
				StepIndex: i,
				ExitCode:  code,
				Output:    tail.String(),
			})
		}
	}

	if missing := missingPaths(outputs); len(missing) > 0 {
		logger.Warn("recipe finished without producing every declared output", "missing", missing)
	}

	result.Step = ""
	result.StepIndex = -1
	return finish(StatusSucceeded, ReasonNone, nil)
}

func (e *Executor) prepare(r Recipe, step Step, vars Variables, baseEnv []string, opts RunOptions, p *target.Profile) (Command, error) {
	script, err := vars.Expand(step.Command)
	if err != nil {
		return Command{}, &TemplateError{Recipe: r.ID, Field: string(step.Kind) + " command", Err: err}
	}

	dir, err := vars.Expand(step.Dir)
	if err != nil {
		return Command{}, &TemplateError{Recipe: r.ID, Field: string(step.Kind) + " dir", Err: err}
	}
	base := opts.SourceDir
	if base == "" {
		base = p.InstallRoot()
	}
	switch {
	case dir == "":
		dir = base
	case !filepath.IsAbs(dir):
		dir = filepath.Join(base, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Command{}, fmt.Errorf("recipe %s: create working directory: %w", r.ID, err)
	}

	env := append([]string(nil), baseEnv...)
	env = append(env, "RECIPE="+r.ID, "SOURCE_DIR="+opts.SourceDir, "JOBS="+vars["JOBS"])
	keys := make([]string, 0, len(step.Env))
	for key := range step.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, err := vars.Expand(step.Env[key])
		if err != nil {
			return Command{}, &TemplateError{Recipe: r.ID, Field: "env " + key, Err: err}
		}
		env = append(env, key+"="+value)
	}

	return Command{Script: script, Dir: dir, Env: env}, nil
}

func missingPaths(paths []string) []string {
	var missing []string
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	return missing
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// IsCancelled reports whether err stems from an operator cancellation.
func IsCancelled(err error) bool {
	var cancelled *CancelledError
	return errors.As(err, &cancelled) || errors.Is(err, context.Canceled)
}
