package recipe

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"text/template"

	"github.com/cochaviz/xbuild/internal/target"
)

// Variables are the keys available to templates: the profile variables plus
// recipe-local ones.
type Variables map[string]string

// NewVariables builds the template data for r. Recipe variables may themselves
// reference profile variables.
func NewVariables(r Recipe, p *target.Profile, sourceDir, version string, jobs int) (Variables, error) {
	vars := Variables(p.Vars())
	vars["RECIPE"] = r.ID
	vars["NAME"] = r.Dependency
	vars["VERSION"] = version
	vars["SOURCE_DIR"] = sourceDir
	if jobs < 1 {
		jobs = 1
	}
	vars["JOBS"] = strconv.Itoa(jobs)

	local := make(map[string]string, len(r.Vars))
	for key, raw := range r.Vars {
		value, err := vars.Expand(raw)
		if err != nil {
			return nil, &TemplateError{Recipe: r.ID, Field: "var " + key, Err: err}
		}
		local[key] = value
	}
	maps.Copy(vars, local)
	return vars, nil
}

// Expand renders text as a template over v. Unknown keys are an error.
func (v Variables) Expand(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("recipe").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, map[string]string(v)); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out.String(), nil
}

// ExpandAll renders every entry of list.
func (v Variables) ExpandAll(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, item := range list {
		expanded, err := v.Expand(item)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	return out, nil
}

// ExpandPaths returns a copy of r with Inputs and Outputs rendered against the
// profile. SOURCE_DIR is empty, so paths should only reference profile and
// recipe variables and VERSION.
func ExpandPaths(r Recipe, p *target.Profile, version string) (Recipe, error) {
	vars, err := NewVariables(r, p, "", version, 1)
	if err != nil {
		return Recipe{}, err
	}

	inputs, err := vars.ExpandAll(r.Inputs)
	if err != nil {
		return Recipe{}, &TemplateError{Recipe: r.ID, Field: "inputs", Err: err}
	}
	outputs, err := vars.ExpandAll(r.Outputs)
	if err != nil {
		return Recipe{}, &TemplateError{Recipe: r.ID, Field: "outputs", Err: err}
	}

	expanded := r
	expanded.Inputs = inputs
	expanded.Outputs = outputs
	return expanded, nil
}
