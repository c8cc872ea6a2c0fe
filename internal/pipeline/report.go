package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"

	"github.com/cochaviz/xbuild/internal/recipe"
)

const (
	ExitSuccess   = 0
	ExitInternal  = 125
	ExitCancelled = 130
)

// Policy controls how the runner reacts to failures.
type Policy struct {
	// HaltOnFailure stops the run at the first fatal failure. When false every
	// recipe is attempted.
	HaltOnFailure bool
	// ContinueOnOptional tolerates failures of recipes marked optional.
	ContinueOnOptional bool
	// FetchFatal treats fetch and unpack failures like step failures.
	FetchFatal bool
}

// DefaultPolicy halts on the first failure and tolerates optional recipes.
func DefaultPolicy() Policy {
	return Policy{
		HaltOnFailure:      true,
		ContinueOnOptional: true,
		FetchFatal:         true,
	}
}

// Entry is the outcome of one recipe in a run.
type Entry struct {
	Recipe    string        `json:"recipe"`
	Stage     recipe.Stage  `json:"stage"`
	Optional  bool          `json:"optional,omitempty"`
	Status    recipe.Status `json:"status"`
	Reason    recipe.Reason `json:"reason,omitempty"`
	Step      string        `json:"step,omitempty"`
	ExitCode  int           `json:"exit_code,omitempty"`
	StepsRun  int           `json:"steps_run"`
	Duration  time.Duration `json:"duration"`
	LogOffset int64         `json:"log_offset"`
	Tolerated bool          `json:"tolerated,omitempty"`
	Error     string        `json:"error,omitempty"`

	err error
}

// Err returns the error that failed the recipe, if any.
func (e Entry) Err() error {
	return e.err
}

// Report is the structured outcome of a run. Entries follow execution order
// and cover every recipe of the graph.
type Report struct {
	RunID        string    `json:"run_id"`
	Target       string    `json:"target"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	LogPath      string    `json:"log_path"`
	Cancelled    bool      `json:"cancelled"`
	Entries      []Entry   `json:"entries"`
	FirstFailure *Entry    `json:"first_failure,omitempty"`
}

// Succeeded reports whether no fatal failure occurred.
func (r *Report) Succeeded() bool {
	return r.FirstFailure == nil && !r.Cancelled
}

// Failures returns every failed entry, tolerated ones included.
func (r *Report) Failures() []Entry {
	var failed []Entry
	for _, entry := range r.Entries {
		if entry.Status == recipe.StatusFailed {
			failed = append(failed, entry)
		}
	}
	return failed
}

// Entry returns the entry of the given recipe.
func (r *Report) Entry(id string) (Entry, bool) {
	for _, entry := range r.Entries {
		if entry.Recipe == id {
			return entry, true
		}
	}
	return Entry{}, false
}

// ExitCode maps the report to a process exit status: the exit code of the
// first failing step, 130 when cancelled, 125 when the first failure has no
// step exit code.
func (r *Report) ExitCode() int {
	switch {
	case r.Cancelled:
		return ExitCancelled
	case r.FirstFailure == nil:
		return ExitSuccess
	}
	code := r.FirstFailure.ExitCode
	switch {
	case code <= 0:
		return ExitInternal
	case code > 255:
		return 255
	default:
		return code
	}
}

// Summary writes one line per recipe.
func (r *Report) Summary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECIPE\tSTAGE\tSTATUS\tSTEP\tEXIT\tDURATION")
	for _, entry := range r.Entries {
		status := string(entry.Status)
		if entry.Reason != recipe.ReasonNone {
			status += " (" + string(entry.Reason) + ")"
		}
		if entry.Tolerated {
			status += " [optional]"
		}
		step, exit, took := "-", "-", "-"
		if entry.Step != "" {
			step = entry.Step
		}
		if entry.Status == recipe.StatusFailed && entry.ExitCode != 0 {
			exit = fmt.Sprint(entry.ExitCode)
		}
		if entry.Status != recipe.StatusNotRun {
			took = entry.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", entry.Recipe, entry.Stage, status, step, exit, took)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	elapsed := r.Finished.Sub(r.Started)
	switch {
	case r.Cancelled:
		_, err := fmt.Fprintf(w, "\nrun %s cancelled after %s\n", r.RunID, elapsed.Round(time.Millisecond))
		return err
	case r.FirstFailure != nil:
		_, err := fmt.Fprintf(w, "\nrun %s failed at %s (exit %d), started %s\n", r.RunID, r.FirstFailure.Recipe, r.ExitCode(), humanize.Time(r.Started))
		return err
	default:
		_, err := fmt.Fprintf(w, "\nrun %s succeeded in %s\n", r.RunID, elapsed.Round(time.Millisecond))
		return err
	}
}

// WriteJSON atomically writes the report to path.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return renameio.WriteFile(path, append(data, '\n'), 0o644)
}
