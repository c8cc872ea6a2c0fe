package recipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/xbuild/internal/target"
)

type scriptedRunner struct {
	mu    sync.Mutex
	codes map[string]int
	ran   []Command
}

func (r *scriptedRunner) Run(_ context.Context, cmd Command) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, cmd)
	return r.codes[cmd.Script], nil
}

func testProfile(t *testing.T) *target.Profile {
	t.Helper()
	profile, err := target.Resolve("64-bit", target.Options{InstallRoot: filepath.Join(t.TempDir(), "x")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := target.EnsureInstallTree(profile); err != nil {
		t.Fatalf("EnsureInstallTree() error = %v", err)
	}
	return profile
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSkipsWhenOutputsPresent(t *testing.T) {
	t.Parallel()

	profile := testProfile(t)
	output := filepath.Join(profile.LibDir(), "liba.so")
	if err := os.WriteFile(output, []byte("elf"), 0o644); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	runner := &scriptedRunner{}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	recipe := Recipe{
		ID:      "A",
		Steps:   []Step{{Kind: StepConfigure, Command: "./configure"}, {Kind: StepInstall, Command: "make install"}},
		Outputs: []string{"{{.LIB_DIR}}/liba.so"},
	}

	result := executor.Run(context.Background(), recipe, profile, RunOptions{})
	if result.Status != StatusSkipped {
		t.Fatalf("unexpected status: got %q want %q", result.Status, StatusSkipped)
	}
	if len(runner.ran) != 0 || result.StepsRun != 0 {
		t.Fatalf("expected zero steps, ran %d", len(runner.ran))
	}
}

func TestRunWithoutOutputsNeverSkips(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	recipe := Recipe{ID: "always", Steps: []Step{{Kind: StepCompile, Command: "true"}}}

	result := executor.Run(context.Background(), recipe, testProfile(t), RunOptions{})
	if result.Status != StatusSucceeded {
		t.Fatalf("unexpected status %q (%v)", result.Status, result.Err)
	}
	if len(runner.ran) != 1 {
		t.Fatalf("expected one step, ran %d", len(runner.ran))
	}
}

func TestRunStopsAtFirstFailingStep(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{codes: map[string]int{"make": 2}}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	recipe := Recipe{
		ID: "B",
		Steps: []Step{
			{Kind: StepPatch, Command: "patch -p1 < fix.patch"},
			{Kind: StepConfigure, Command: "./configure"},
			{Kind: StepCompile, Command: "make"},
			{Kind: StepInstall, Command: "make install"},
		},
	}

	var log bytes.Buffer
	result := executor.Run(context.Background(), recipe, testProfile(t), RunOptions{Log: &log, SourceDir: t.TempDir()})
	if result.Status != StatusFailed || result.Reason != ReasonStepFailed {
		t.Fatalf("unexpected result %q/%q", result.Status, result.Reason)
	}
	if result.Step != StepCompile || result.StepIndex != 2 || result.ExitCode != 2 {
		t.Fatalf("unexpected failure location %s #%d code %d", result.Step, result.StepIndex, result.ExitCode)
	}
	if len(runner.ran) != 3 {
		t.Fatalf("expected 3 steps to run, got %d", len(runner.ran))
	}
	for i, want := range []string{"patch -p1 < fix.patch", "./configure", "make"} {
		if runner.ran[i].Script != want {
			t.Fatalf("step %d ran %q, want %q", i, runner.ran[i].Script, want)
		}
	}

	var stepErr *StepExecutionError
	if !errors.As(result.Err, &stepErr) || stepErr.ExitCode != 2 {
		t.Fatalf("expected StepExecutionError with exit code 2, got %v", result.Err)
	}
	if !strings.Contains(log.String(), "compile exited with code 2") {
		t.Fatalf("log does not record exit code:\n%s", log.String())
	}
}

func TestRunExpandsProfileTemplates(t *testing.T) {
	t.Parallel()

	profile := testProfile(t)
	runner := &scriptedRunner{}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	source := t.TempDir()
	recipe := Recipe{
		ID:         "gmp",
		Dependency: "gmp",
		Vars:       map[string]string{"PATCH": "{{.SOURCE_DIR}}/../patches/gmp.patch"},
		Steps: []Step{
			{Kind: StepConfigure, Command: "./configure --host={{.HOST}} --prefix={{.PREFIX}} --version={{.VERSION}}", Dir: "build"},
		},
	}

	result := executor.Run(context.Background(), recipe, profile, RunOptions{SourceDir: source, Version: "6.3.0"})
	if result.Status != StatusSucceeded {
		t.Fatalf("unexpected status %q (%v)", result.Status, result.Err)
	}

	cmd := runner.ran[0]
	want := "./configure --host=x86_64-w64-mingw32 --prefix=" + profile.InstallRoot() + " --version=6.3.0"
	if cmd.Script != want {
		t.Fatalf("unexpected script:\n got %q\nwant %q", cmd.Script, want)
	}
	if cmd.Dir != filepath.Join(source, "build") {
		t.Fatalf("unexpected working dir %q", cmd.Dir)
	}
	if !containsEnv(cmd.Env, "CC=x86_64-w64-mingw32-gcc") {
		t.Fatalf("profile environment not injected")
	}
}

func TestRunReportsTemplateErrors(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	recipe := Recipe{ID: "typo", Steps: []Step{{Kind: StepConfigure, Command: "./configure --host={{.HSOT}}"}}}

	result := executor.Run(context.Background(), recipe, testProfile(t), RunOptions{})
	var tmplErr *TemplateError
	if result.Reason != ReasonTemplate || !errors.As(result.Err, &tmplErr) {
		t.Fatalf("expected template failure, got %q (%v)", result.Reason, result.Err)
	}
	if len(runner.ran) != 0 {
		t.Fatalf("step ran despite template error")
	}
}

func TestRunFailsOnMissingInputs(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	executor := &Executor{Runner: runner, Logger: quietLogger()}
	recipe := Recipe{
		ID:     "mpfr",
		Inputs: []string{"{{.INCLUDE_DIR}}/gmp.h"},
		Steps:  []Step{{Kind: StepConfigure, Command: "./configure"}},
	}

	result := executor.Run(context.Background(), recipe, testProfile(t), RunOptions{})
	var missing *MissingInputError
	if result.Reason != ReasonMissingInput || !errors.As(result.Err, &missing) {
		t.Fatalf("expected missing input failure, got %q (%v)", result.Reason, result.Err)
	}
}

func TestShellRunnerInjectsEnvironmentAndExitCode(t *testing.T) {
	t.Parallel()

	profile := testProfile(t)
	executor := &Executor{Runner: &ShellRunner{}, Logger: quietLogger()}
	source := t.TempDir()
	recipe := Recipe{
		ID: "env",
		Steps: []Step{
			{Kind: StepConfigure, Command: `echo "$HOST" > host.txt`},
			{Kind: StepCompile, Command: "exit 3"},
			{Kind: StepInstall, Command: "touch never"},
		},
	}

	result := executor.Run(context.Background(), recipe, profile, RunOptions{SourceDir: source})
	if result.ExitCode != 3 || result.Step != StepCompile {
		t.Fatalf("unexpected failure %s code %d (%v)", result.Step, result.ExitCode, result.Err)
	}

	data, err := os.ReadFile(filepath.Join(source, "host.txt"))
	if err != nil {
		t.Fatalf("read host.txt: %v", err)
	}
	if strings.TrimSpace(string(data)) != "x86_64-w64-mingw32" {
		t.Fatalf("unexpected HOST in step environment: %q", data)
	}
	if _, err := os.Stat(filepath.Join(source, "never")); !os.IsNotExist(err) {
		t.Fatalf("step after failure was executed")
	}
}

func TestShellRunnerCancellationTerminatesChild(t *testing.T) {
	t.Parallel()

	executor := &Executor{Runner: &ShellRunner{GracePeriod: time.Second}, Logger: quietLogger()}
	recipe := Recipe{ID: "hung", Steps: []Step{{Kind: StepCompile, Command: "sleep 30"}}}

	profile := testProfile(t)
	source := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan Result, 1)
	go func() {
		done <- executor.Run(ctx, recipe, profile, RunOptions{SourceDir: source})
	}()

	select {
	case result := <-done:
		if result.Status != StatusFailed || result.Reason != ReasonCancelled {
			t.Fatalf("unexpected result %q/%q (%v)", result.Status, result.Reason, result.Err)
		}
		if !IsCancelled(result.Err) {
			t.Fatalf("expected cancellation error, got %v", result.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled step did not terminate within the grace period")
	}
}

func containsEnv(env []string, kv string) bool {
	for _, item := range env {
		if item == kv {
			return true
		}
	}
	return false
}
