package pipeline

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

	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/graph"
	"github.com/cochaviz/xbuild/internal/recipe"
	"github.com/cochaviz/xbuild/internal/target"
)

type stubExecutor struct {
	mu      sync.Mutex
	results map[string]recipe.Result
	ran     []string
	sources map[string]string
	onRun   func(id string)
}

func (e *stubExecutor) Run(_ context.Context, r recipe.Recipe, _ *target.Profile, opts recipe.RunOptions) recipe.Result {
	e.mu.Lock()
	e.ran = append(e.ran, r.ID)
	if e.sources == nil {
		e.sources = make(map[string]string)
	}
	e.sources[r.ID] = opts.SourceDir
	e.mu.Unlock()

	if e.onRun != nil {
		e.onRun(r.ID)
	}
	io.WriteString(opts.Log, "output of "+r.ID+"\n")
	if result, ok := e.results[r.ID]; ok {
		result.RecipeID = r.ID
		return result
	}
	return recipe.Result{RecipeID: r.ID, Status: recipe.StatusSucceeded, StepsRun: len(r.Steps)}
}

type stubFetcher struct {
	err  error
	root string
}

func (f *stubFetcher) Ensure(_ context.Context, d fetch.Descriptor) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join(f.root, d.Key()), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile(t *testing.T) *target.Profile {
	t.Helper()
	p, err := target.Resolve("64-bit", target.Options{InstallRoot: filepath.Join(t.TempDir(), "x86_64")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return p
}

func testGraph(t *testing.T, recipes ...recipe.Recipe) *graph.Graph {
	t.Helper()
	g, err := graph.New(recipes...)
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}
	return g
}

func simple(id string, stage recipe.Stage) recipe.Recipe {
	return recipe.Recipe{
		ID:    id,
		Stage: stage,
		Steps: []recipe.Step{{Kind: recipe.StepInstall, Command: "true"}},
	}
}

func failed(step recipe.StepKind, code int) recipe.Result {
	return recipe.Result{
		Status:    recipe.StatusFailed,
		Reason:    recipe.ReasonStepFailed,
		Step:      step,
		ExitCode:  code,
		StepsRun:  2,
		StepIndex: 1,
		Err:       &recipe.StepExecutionError{Step: step, ExitCode: code},
	}
}

func newRunner(t *testing.T, exec RecipeExecutor) *Runner {
	t.Helper()
	return &Runner{
		Executor: exec,
		Fetcher:  &stubFetcher{root: t.TempDir()},
		Logger:   quietLogger(),
		LogDir:   t.TempDir(),
	}
}

func TestExecuteHaltsAtFirstFailure(t *testing.T) {
	t.Parallel()

	exec := &stubExecutor{results: map[string]recipe.Result{"b": failed(recipe.StepCompile, 2)}}
	runner := newRunner(t, exec)
	g := testGraph(t, simple("a", recipe.StagePrerequisite), simple("b", recipe.StagePrerequisite), simple("c", recipe.StageCore))

	report, err := runner.Execute(context.Background(), g, testProfile(t), DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := strings.Join(exec.ran, ","); got != "a,b" {
		t.Fatalf("ran %q, want a,b", got)
	}
	if report.FirstFailure == nil || report.FirstFailure.Recipe != "b" {
		t.Fatalf("unexpected first failure %+v", report.FirstFailure)
	}
	if report.FirstFailure.Step != string(recipe.StepCompile) {
		t.Fatalf("failing step = %q", report.FirstFailure.Step)
	}
	if code := report.ExitCode(); code != 2 {
		t.Fatalf("ExitCode() = %d, want 2", code)
	}
	entry, _ := report.Entry("c")
	if entry.Status != recipe.StatusNotRun {
		t.Fatalf("c status = %s, want not-run", entry.Status)
	}
	if len(report.Entries) != 3 {
		t.Fatalf("report has %d entries, want 3", len(report.Entries))
	}

	var summary bytes.Buffer
	if err := report.Summary(&summary); err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	for _, fragment := range []string{"a", "succeeded", "failed (step-failed)", "not-run"} {
		if !strings.Contains(summary.String(), fragment) {
			t.Fatalf("summary missing %q:\n%s", fragment, summary.String())
		}
	}
}

func TestExecuteContinueRecordsAllFailures(t *testing.T) {
	t.Parallel()

	exec := &stubExecutor{results: map[string]recipe.Result{
		"b": failed(recipe.StepCompile, 2),
		"c": failed(recipe.StepInstall, 4),
	}}
	runner := newRunner(t, exec)
	g := testGraph(t, simple("a", recipe.StagePrerequisite), simple("b", recipe.StagePrerequisite), simple("c", recipe.StageCore))

	policy := DefaultPolicy()
	policy.HaltOnFailure = false
	report, err := runner.Execute(context.Background(), g, testProfile(t), policy)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := strings.Join(exec.ran, ","); got != "a,b,c" {
		t.Fatalf("ran %q, want a,b,c", got)
	}
	if n := len(report.Failures()); n != 2 {
		t.Fatalf("Failures() = %d, want 2", n)
	}
	if report.FirstFailure.Recipe != "b" || report.ExitCode() != 2 {
		t.Fatalf("first failure %s exit %d, want b exit 2", report.FirstFailure.Recipe, report.ExitCode())
	}
}

func TestExecuteToleratesOptionalRecipe(t *testing.T) {
	t.Parallel()

	optional := simple("docs", recipe.StagePackage)
	optional.Optional = true
	exec := &stubExecutor{results: map[string]recipe.Result{"docs": failed(recipe.StepCompile, 1)}}
	runner := newRunner(t, exec)
	g := testGraph(t, simple("app", recipe.StageCore), optional, simple("setup", recipe.StageInstaller))

	report, err := runner.Execute(context.Background(), g, testProfile(t), DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !report.Succeeded() || report.ExitCode() != 0 {
		t.Fatalf("report not successful: exit %d", report.ExitCode())
	}
	entry, _ := report.Entry("docs")
	if entry.Status != recipe.StatusFailed || !entry.Tolerated {
		t.Fatalf("optional entry = %+v", entry)
	}
	if got := strings.Join(exec.ran, ","); got != "app,docs,setup" {
		t.Fatalf("ran %q", got)
	}
}

func TestExecuteFetchFailureIsInternalError(t *testing.T) {
	t.Parallel()

	exec := &stubExecutor{}
	runner := newRunner(t, exec)
	runner.Fetcher = &stubFetcher{err: &fetch.FetchError{Name: "zlib", URL: "https://example.invalid/zlib.tar.gz", Err: errors.New("404")}}
	runner.Dependencies = map[string]fetch.Descriptor{"zlib": {Name: "zlib", Version: "1.3.1"}}

	zlib := simple("zlib", recipe.StagePrerequisite)
	zlib.Dependency = "zlib"
	g := testGraph(t, zlib, simple("app", recipe.StageCore))

	report, err := runner.Execute(context.Background(), g, testProfile(t), DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(exec.ran) != 0 {
		t.Fatalf("executor ran %v after fetch failure", exec.ran)
	}
	if report.FirstFailure == nil || report.FirstFailure.Reason != recipe.ReasonFetch {
		t.Fatalf("unexpected first failure %+v", report.FirstFailure)
	}
	if code := report.ExitCode(); code != ExitInternal {
		t.Fatalf("ExitCode() = %d, want %d", code, ExitInternal)
	}
}

func TestExecutePassesFetchedSourceDir(t *testing.T) {
	t.Parallel()

	exec := &stubExecutor{}
	runner := newRunner(t, exec)
	fetcher := &stubFetcher{root: t.TempDir()}
	runner.Fetcher = fetcher
	runner.Dependencies = map[string]fetch.Descriptor{"gmp": {Name: "gmp", Version: "6.3.0"}}

	gmp := simple("gmp", recipe.StagePrerequisite)
	gmp.Dependency = "gmp"
	report, err := runner.Execute(context.Background(), testGraph(t, gmp), testProfile(t), DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("run failed: %+v", report.FirstFailure)
	}
	if want := filepath.Join(fetcher.root, "gmp-6.3.0"); exec.sources["gmp"] != want {
		t.Fatalf("source dir = %q, want %q", exec.sources["gmp"], want)
	}
}

func TestExecuteCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &stubExecutor{
		results: map[string]recipe.Result{"b": {Status: recipe.StatusFailed, Reason: recipe.ReasonCancelled, ExitCode: -1, Err: context.Canceled}},
		onRun: func(id string) {
			if id == "b" {
				cancel()
			}
		},
	}
	runner := newRunner(t, exec)
	g := testGraph(t, simple("a", recipe.StagePrerequisite), simple("b", recipe.StageCore), simple("c", recipe.StageCore))

	report, err := runner.Execute(ctx, g, testProfile(t), DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !report.Cancelled || report.ExitCode() != ExitCancelled {
		t.Fatalf("cancelled=%v exit=%d", report.Cancelled, report.ExitCode())
	}
	entry, _ := report.Entry("c")
	if entry.Status != recipe.StatusNotRun {
		t.Fatalf("c status = %s, want not-run", entry.Status)
	}
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	p := testProfile(t)
	if err := target.EnsureInstallTree(p); err != nil {
		t.Fatalf("EnsureInstallTree() error = %v", err)
	}
	held, err := acquireLock(filepath.Join(p.InstallRoot(), LockFileName))
	if err != nil {
		t.Fatalf("acquireLock() error = %v", err)
	}
	defer held.release()

	runner := newRunner(t, &stubExecutor{})
	_, err = runner.Execute(context.Background(), testGraph(t, simple("a", recipe.StageCore)), p, DefaultPolicy())

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
	if lockErr.Holder != os.Getpid() {
		t.Fatalf("LockError.Holder = %d, want %d", lockErr.Holder, os.Getpid())
	}
	if !strings.Contains(lockErr.Error(), lockErr.Path) {
		t.Fatalf("LockError should name the lock file: %v", lockErr)
	}
}

func TestExecuteAppendsLogs(t *testing.T) {
	t.Parallel()

	runner := newRunner(t, &stubExecutor{})
	p := testProfile(t)
	g := testGraph(t, simple("zlib", recipe.StagePrerequisite), simple("app", recipe.StageCore))

	first, err := runner.Execute(context.Background(), g, p, DefaultPolicy())
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if _, err := runner.Execute(context.Background(), g, p, DefaultPolicy()); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	stageLog, err := os.ReadFile(filepath.Join(runner.LogDir, "prerequisites.log"))
	if err != nil {
		t.Fatalf("read stage log: %v", err)
	}
	if n := strings.Count(string(stageLog), "##### recipe zlib"); n != 2 {
		t.Fatalf("stage log has %d zlib segments, want 2", n)
	}

	runLog, err := os.ReadFile(first.LogPath)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	app, _ := first.Entry("app")
	if app.LogOffset <= 0 || !strings.HasPrefix(string(runLog[app.LogOffset:]), "\n##### recipe app") {
		t.Fatalf("offset %d does not point at the app segment", app.LogOffset)
	}
	if !strings.Contains(string(runLog), "output of zlib") {
		t.Fatalf("run log misses recipe output:\n%s", runLog)
	}
}

func TestExecuteWithShellExecutorSkipsSecondRun(t *testing.T) {
	t.Parallel()

	p := testProfile(t)
	output := filepath.Join(p.LibDir(), "libz.a")
	rec := recipe.Recipe{
		ID:      "zlib",
		Stage:   recipe.StagePrerequisite,
		Outputs: []string{"{{.LIB_DIR}}/libz.a"},
		Steps: []recipe.Step{
			{Kind: recipe.StepCompile, Command: "echo building for $HOST"},
			{Kind: recipe.StepInstall, Command: "touch {{.LIB_DIR}}/libz.a"},
		},
	}
	runner := &Runner{Executor: &recipe.Executor{Logger: quietLogger()}, Logger: quietLogger(), LogDir: t.TempDir()}
	g := testGraph(t, rec)

	report, err := runner.Execute(context.Background(), g, p, DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("first run failed: %+v", report.FirstFailure)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("output not produced: %v", err)
	}

	report, err = runner.Execute(context.Background(), g, p, DefaultPolicy())
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	entry, _ := report.Entry("zlib")
	if entry.Status != recipe.StatusSkipped || entry.StepsRun != 0 {
		t.Fatalf("second run entry = %+v, want skipped", entry)
	}
}

func TestReportWriteJSON(t *testing.T) {
	t.Parallel()

	report := &Report{RunID: "r1", Target: "64-bit", Entries: []Entry{{Recipe: "a", Status: recipe.StatusSucceeded}}}
	path := filepath.Join(t.TempDir(), "report.json")
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), `"run_id": "r1"`) {
		t.Fatalf("unexpected report json:\n%s", data)
	}
}
