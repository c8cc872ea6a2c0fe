package graph

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cochaviz/xbuild/internal/recipe"
)

// ValidationError describes a single problem found in a graph.
type ValidationError struct {
	Recipe  string
	Problem string
}

func (e *ValidationError) Error() string {
	if e.Recipe == "" {
		return e.Problem
	}
	return fmt.Sprintf("recipe %s: %s", e.Recipe, e.Problem)
}

// Graph is the declared execution order of all recipes in a pipeline. The order
// is authored, never inferred, so it cannot contain cycles.
type Graph struct {
	recipes []recipe.Recipe
	index   map[string]int
}

// New builds a graph keeping the declared order. Recipe IDs must be unique and
// non-empty.
func New(recipes ...recipe.Recipe) (*Graph, error) {
	g := &Graph{
		recipes: make([]recipe.Recipe, 0, len(recipes)),
		index:   make(map[string]int, len(recipes)),
	}

	var errs error
	for _, r := range recipes {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			errs = errors.Join(errs, &ValidationError{Problem: fmt.Sprintf("recipe at position %d has no id", len(g.recipes)+1)})
			continue
		}
		if _, exists := g.index[id]; exists {
			errs = errors.Join(errs, &ValidationError{Recipe: id, Problem: "duplicate recipe id"})
			continue
		}
		g.index[id] = len(g.recipes)
		g.recipes = append(g.recipes, r)
	}
	if errs != nil {
		return nil, errs
	}
	return g, nil
}

// Len returns the number of recipes.
func (g *Graph) Len() int {
	return len(g.recipes)
}

// Recipes returns the recipes in execution order.
func (g *Graph) Recipes() []recipe.Recipe {
	return append([]recipe.Recipe(nil), g.recipes...)
}

// Get returns the recipe with the given id.
func (g *Graph) Get(id string) (recipe.Recipe, bool) {
	i, ok := g.index[id]
	if !ok {
		return recipe.Recipe{}, false
	}
	return g.recipes[i], true
}

// Position returns the zero-based execution position of id, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Select returns a graph restricted to ids, preserving declared order.
func (g *Graph) Select(ids ...string) (*Graph, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := g.index[id]; !ok {
			return nil, fmt.Errorf("unknown recipe %q", id)
		}
		wanted[id] = true
	}

	var selected []recipe.Recipe
	for _, r := range g.recipes {
		if wanted[r.ID] {
			selected = append(selected, r)
		}
	}
	return New(selected...)
}

// Stage returns the recipes belonging to stage s, in order.
func (g *Graph) Stage(s recipe.Stage) []recipe.Recipe {
	var out []recipe.Recipe
	for _, r := range g.recipes {
		if r.Stage == s {
			out = append(out, r)
		}
	}
	return out
}

// Stages returns the stages that have at least one recipe, in execution order.
func (g *Graph) Stages() []recipe.Stage {
	var stages []recipe.Stage
	for _, stage := range recipe.Stages() {
		if len(g.Stage(stage)) > 0 {
			stages = append(stages, stage)
		}
	}
	return stages
}

// Producer returns the id of the first recipe declaring path as an output.
func (g *Graph) Producer(path string) (string, bool) {
	path = filepath.Clean(path)
	for _, r := range g.recipes {
		for _, output := range r.Outputs {
			if filepath.Clean(output) == path {
				return r.ID, true
			}
		}
	}
	return "", false
}

// Validate checks the graph statically. exists reports whether a path is
// already present on disk; inputs satisfied that way need no producer. Paths are
// compared literally, so callers should validate graphs whose paths have been
// expanded (see recipe.ExpandPaths).
func (g *Graph) Validate(exists func(path string) bool) error {
	if exists == nil {
		exists = func(string) bool { return false }
	}

	var errs error
	lastRank := -1
	lastStage := recipe.Stage("")

	for position, r := range g.recipes {
		rank := r.Stage.Rank()
		if rank < 0 {
			errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("unknown stage %q", r.Stage)})
		} else {
			if rank < lastRank {
				errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("stage %s declared after stage %s", r.Stage, lastStage)})
			} else {
				lastRank = rank
				lastStage = r.Stage
			}
		}

		if len(r.Steps) == 0 {
			errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: "recipe has no steps"})
		}
		for i, step := range r.Steps {
			if !step.Kind.IsValid() {
				errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("step %d has unknown kind %q", i+1, step.Kind)})
			}
			if strings.TrimSpace(step.Command) == "" {
				errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("step %d (%s) has an empty command", i+1, step.Kind)})
			}
		}

		for _, input := range r.Inputs {
			producer, produced := g.Producer(input)
			switch {
			case produced && g.index[producer] >= position:
				if producer == r.ID {
					errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("input %s is also one of its own outputs", input)})
				} else {
					errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("input %s is produced by later recipe %s", input, producer)})
				}
			case produced:
			case exists(input):
			default:
				errs = errors.Join(errs, &ValidationError{Recipe: r.ID, Problem: fmt.Sprintf("input %s is not produced by any earlier recipe and does not exist", input)})
			}
		}
	}
	return errs
}
