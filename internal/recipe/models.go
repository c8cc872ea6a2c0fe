package recipe

import "time"

// StepKind classifies a recipe step.
type StepKind string

const (
	StepPatch     StepKind = "patch"
	StepConfigure StepKind = "configure"
	StepCompile   StepKind = "compile"
	StepInstall   StepKind = "install"
)

// IsValid reports whether k is a known step kind.
func (k StepKind) IsValid() bool {
	switch k {
	case StepPatch, StepConfigure, StepCompile, StepInstall:
		return true
	default:
		return false
	}
}

// Stage groups recipes; stages execute in the order they are listed in Stages.
type Stage string

const (
	StagePrerequisite Stage = "prerequisites"
	StageCore         Stage = "core"
	StagePackage      Stage = "packages"
	StageInstaller    Stage = "installer"
)

// Stages returns every stage in execution order.
func Stages() []Stage {
	return []Stage{StagePrerequisite, StageCore, StagePackage, StageInstaller}
}

// Rank returns the position of s in the execution order, or -1 if unknown.
func (s Stage) Rank() int {
	for i, stage := range Stages() {
		if stage == s {
			return i
		}
	}
	return -1
}

// Step is a single shell-level action of a recipe. Command and Dir are
// text/template strings expanded against the target profile and recipe
// variables.
type Step struct {
	Kind    StepKind
	Command string
	Dir     string
	Env     map[string]string
}

// Recipe is the ordered list of steps building one dependency or project
// component. Outputs are the idempotency key: when every output exists the
// recipe is skipped.
type Recipe struct {
	ID         string
	Stage      Stage
	Dependency string
	Steps      []Step
	Inputs     []string
	Outputs    []string
	Vars       map[string]string
	Optional   bool
}

// Status is the outcome of running a recipe.
type Status string

const (
	StatusNotRun    Status = "not-run"
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Reason qualifies a failed status.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonStepFailed   Reason = "step-failed"
	ReasonCancelled    Reason = "cancelled"
	ReasonMissingInput Reason = "missing-input"
	ReasonTemplate     Reason = "template"
	ReasonFetch        Reason = "fetch"
	ReasonUnpack       Reason = "unpack"
)

// Result captures what happened when a recipe was run.
type Result struct {
	RecipeID  string
	Status    Status
	Reason    Reason
	Step      StepKind
	StepIndex int
	ExitCode  int
	StepsRun  int
	Duration  time.Duration
	Err       error
}
