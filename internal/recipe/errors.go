package recipe

import (
	"fmt"
	"strings"
)

// StepExecutionError reports an external process that exited non-zero.
type StepExecutionError struct {
	Recipe    string
	Step      StepKind
	StepIndex int
	ExitCode  int
	Output    string
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("recipe %s: %s step (#%d) exited with code %d", e.Recipe, e.Step, e.StepIndex+1, e.ExitCode)
}

// CancelledError reports a step interrupted by the operator.
type CancelledError struct {
	Recipe string
	Step   StepKind
	Err    error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("recipe %s: %s step cancelled: %v", e.Recipe, e.Step, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// MissingInputError reports declared inputs absent when the recipe starts.
type MissingInputError struct {
	Recipe string
	Paths  []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("recipe %s: missing inputs: %s", e.Recipe, strings.Join(e.Paths, ", "))
}

// TemplateError reports a command, directory or path template that failed to expand.
type TemplateError struct {
	Recipe string
	Field  string
	Err    error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("recipe %s: expand %s: %v", e.Recipe, e.Field, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}
