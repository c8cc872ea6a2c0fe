package build

import (
	"errors"
	"fmt"
	"os"

	"github.com/cochaviz/xbuild/internal/artifacts"
	"github.com/cochaviz/xbuild/internal/fetch"
	"github.com/cochaviz/xbuild/internal/graph"
	"github.com/cochaviz/xbuild/internal/recipe"
	"github.com/cochaviz/xbuild/internal/target"
)

// Plan is a definition bound to a target profile.
type Plan struct {
	Definition   Definition
	Profile      *target.Profile
	Graph        *graph.Graph
	Dependencies map[string]fetch.Descriptor
	Manifest     artifacts.Manifest
	// expanded holds recipes with inputs and outputs expanded for Profile.
	expanded map[string]recipe.Recipe
}

// Descriptor turns the dependency spec into a fetch descriptor.
func (s DependencySpec) Descriptor() fetch.Descriptor {
	return fetch.Descriptor{
		Name:      s.Name,
		Version:   s.Version,
		URL:       s.URL,
		Archive:   fetch.ArchiveKind(s.Archive),
		Checksum:  s.Checksum,
		SourceDir: s.Source,
	}
}

// Recipe turns the recipe spec into a recipe.
func (s RecipeSpec) Recipe() recipe.Recipe {
	steps := make([]recipe.Step, 0, len(s.Steps))
	for _, step := range s.Steps {
		steps = append(steps, recipe.Step{
			Kind:    recipe.StepKind(step.Kind),
			Command: step.Run,
			Dir:     step.Dir,
			Env:     copyMap(step.Env),
		})
	}
	return recipe.Recipe{
		ID:         s.ID,
		Stage:      recipe.Stage(s.Stage),
		Dependency: s.Dependency,
		Steps:      steps,
		Inputs:     append([]string(nil), s.Inputs...),
		Outputs:    append([]string(nil), s.Outputs...),
		Vars:       copyMap(s.Vars),
		Optional:   s.Optional,
	}
}

// Compile binds d to p: it builds the graph, the dependency descriptors and the
// artifact manifest.
func Compile(d Definition, p *target.Profile) (*Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{
		Definition:   d,
		Profile:      p,
		Dependencies: make(map[string]fetch.Descriptor, len(d.Dependencies)),
		Manifest:     artifacts.DefaultManifest(p, d.Project).With(d.Manifest...),
		expanded:     make(map[string]recipe.Recipe, len(d.Recipes)),
	}
	for _, dep := range d.Dependencies {
		plan.Dependencies[dep.Name] = dep.Descriptor()
	}

	recipes := make([]recipe.Recipe, 0, len(d.Recipes))
	var errs error
	for _, spec := range d.Recipes {
		r := spec.Recipe()
		expanded, err := recipe.ExpandPaths(r, p, plan.Dependencies[r.Dependency].Version)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		plan.expanded[r.ID] = expanded
		recipes = append(recipes, r)
	}
	if errs != nil {
		return nil, errs
	}

	g, err := graph.New(recipes...)
	if err != nil {
		return nil, err
	}
	plan.Graph = g
	return plan, nil
}

// Validate runs the static graph checks against expanded paths. Inputs that
// no recipe produces must already exist on disk.
func (p *Plan) Validate() error {
	expanded := make([]recipe.Recipe, 0, p.Graph.Len())
	for _, r := range p.Graph.Recipes() {
		expanded = append(expanded, p.expanded[r.ID])
	}
	g, err := graph.New(expanded...)
	if err != nil {
		return err
	}
	if err := g.Validate(pathExists); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Definition.Name, err)
	}
	return nil
}

// Outputs returns the expanded outputs of the recipe id.
func (p *Plan) Outputs(id string) []string {
	return append([]string(nil), p.expanded[id].Outputs...)
}

// OutputsPresent reports whether every declared output of id exists.
func (p *Plan) OutputsPresent(id string) bool {
	return recipe.OutputsPresent(p.expanded[id])
}

// DistDir is where the collected artifacts of the project are placed.
func (p *Plan) DistDir() string {
	return p.Profile.DistDir(p.Definition.Project)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
