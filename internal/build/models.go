package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cochaviz/xbuild/internal/artifacts"
)

// Definition is the declarative description of a build pipeline: the project,
// its third-party dependencies and the ordered recipes building them.
type Definition struct {
	Name         string              `yaml:"name" json:"name" validate:"required"`
	Project      string              `yaml:"project" json:"project" validate:"required"`
	Version      string              `yaml:"version" json:"version" validate:"required"`
	Description  string              `yaml:"description,omitempty" json:"description,omitempty"`
	Dependencies []DependencySpec    `yaml:"dependencies" json:"dependencies" validate:"dive"`
	Recipes      []RecipeSpec        `yaml:"recipes" json:"recipes" validate:"required,min=1,dive"`
	Manifest     []artifacts.Pattern `yaml:"manifest,omitempty" json:"manifest,omitempty" validate:"dive"`
}

// DependencySpec describes where the sources of one dependency come from.
type DependencySpec struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Version  string `yaml:"version" json:"version" validate:"required"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty" validate:"required_without=Source"`
	Archive  string `yaml:"archive,omitempty" json:"archive,omitempty" validate:"omitempty,oneof=tar.gz tar.bz2 tar.xz tar.zst tar zip iso"`
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
}

// RecipeSpec is the declarative form of a recipe.
type RecipeSpec struct {
	ID         string            `yaml:"id" json:"id" validate:"required"`
	Stage      string            `yaml:"stage" json:"stage" validate:"required,oneof=prerequisites core packages installer"`
	Dependency string            `yaml:"dependency,omitempty" json:"dependency,omitempty"`
	Optional   bool              `yaml:"optional,omitempty" json:"optional,omitempty"`
	Inputs     []string          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs    []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Vars       map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps      []StepSpec        `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

type StepSpec struct {
	Kind    string            `yaml:"kind" json:"kind" validate:"required,oneof=patch configure compile install"`
	Run     string            `yaml:"run" json:"run" validate:"required"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Validate checks the structural rules of the definition. Ordering rules are
// checked by the graph once paths are expanded for a target.
func (d *Definition) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return fmt.Errorf("pipeline %s: %w", d.Name, err)
	}

	var errs error
	deps := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if deps[dep.Name] {
			errs = errors.Join(errs, fmt.Errorf("pipeline %s: dependency %s declared twice", d.Name, dep.Name))
		}
		deps[dep.Name] = true
	}
	for _, r := range d.Recipes {
		if r.Dependency != "" && !deps[r.Dependency] {
			errs = errors.Join(errs, fmt.Errorf("pipeline %s: recipe %s refers to unknown dependency %s", d.Name, r.ID, r.Dependency))
		}
	}
	return errs
}

// Dependency returns the dependency named name.
func (d *Definition) Dependency(name string) (DependencySpec, bool) {
	for _, dep := range d.Dependencies {
		if dep.Name == name {
			return dep, true
		}
	}
	return DependencySpec{}, false
}

// VersionEnvKey returns the environment variable pinning the version of a
// dependency, e.g. XBUILD_GMP_VERSION.
func VersionEnvKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "XBUILD_" + b.String() + "_VERSION"
}

// WithVersionPins returns a copy of d whose dependency versions are replaced by
// the values lookup returns for their VersionEnvKey.
func (d Definition) WithVersionPins(lookup func(key string) (string, bool)) Definition {
	out := d
	out.Dependencies = append([]DependencySpec(nil), d.Dependencies...)
	for i, dep := range out.Dependencies {
		if version, ok := lookup(VersionEnvKey(dep.Name)); ok && strings.TrimSpace(version) != "" {
			out.Dependencies[i].Version = strings.TrimSpace(version)
		}
	}
	return out
}
