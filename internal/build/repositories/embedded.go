package repositories

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/xbuild/internal/build"
)

// ErrDefinitionNotFound is returned by Get for unknown pipeline names.
var ErrDefinitionNotFound = errors.New("pipeline definition not found")

// EmbeddedDefinitionRepository contains the built-in pipeline definitions and
// any definition saved on top of them. Saving a definition with an existing
// name shadows the earlier one.
type EmbeddedDefinitionRepository struct {
	history map[string][]build.Definition
	order   []string

	// LookupEnv resolves version pins such as XBUILD_GMP_VERSION. Defaults to
	// os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// NewEmbeddedDefinitionRepository constructs a repository pre-populated with
// the embedded definitions. Local sources of embedded definitions are
// resolved against the working directory.
func NewEmbeddedDefinitionRepository() (*EmbeddedDefinitionRepository, error) {
	repo := &EmbeddedDefinitionRepository{
		history: make(map[string][]build.Definition),
	}

	baseDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	names, err := fs.Glob(embeddedDefinitions, "assets/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := embeddedDefinitions.ReadFile(name)
		if err != nil {
			return nil, err
		}
		definition, err := Decode(bytes.NewReader(data), baseDir)
		if err != nil {
			return nil, fmt.Errorf("embedded definition %s: %w", name, err)
		}
		repo.append(definition)
	}
	return repo, nil
}

// Get returns the latest definition for name with version pins applied. An
// empty name selects DefaultPipeline.
func (r *EmbeddedDefinitionRepository) Get(name string) (build.Definition, error) {
	if name == "" {
		name = DefaultPipeline
	}
	versions, ok := r.history[name]
	if !ok || len(versions) == 0 {
		return build.Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return versions[len(versions)-1].WithVersionPins(r.lookupEnv()), nil
}

// Save adds a new version for the provided definition.
func (r *EmbeddedDefinitionRepository) Save(definition build.Definition) (build.Definition, error) {
	if err := definition.Validate(); err != nil {
		return build.Definition{}, err
	}
	r.append(definition)
	return definition, nil
}

// ListAll returns the latest version of every definition.
func (r *EmbeddedDefinitionRepository) ListAll() ([]build.Definition, error) {
	definitions := make([]build.Definition, 0, len(r.order))
	for _, name := range r.order {
		if versions := r.history[name]; len(versions) > 0 {
			definitions = append(definitions, versions[len(versions)-1].WithVersionPins(r.lookupEnv()))
		}
	}
	return definitions, nil
}

func (r *EmbeddedDefinitionRepository) append(definition build.Definition) {
	if _, exists := r.history[definition.Name]; !exists {
		r.order = append(r.order, definition.Name)
	}
	r.history[definition.Name] = append(r.history[definition.Name], definition)
}

func (r *EmbeddedDefinitionRepository) lookupEnv() func(string) (string, bool) {
	if r.LookupEnv != nil {
		return r.LookupEnv
	}
	return os.LookupEnv
}

// LoadFile reads a definition from a YAML file. Relative local sources are
// resolved against the directory of the file.
func LoadFile(path string) (build.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return build.Definition{}, fmt.Errorf("open pipeline definition: %w", err)
	}
	defer f.Close()

	absolute, err := filepath.Abs(path)
	if err != nil {
		return build.Definition{}, err
	}
	definition, err := Decode(f, filepath.Dir(absolute))
	if err != nil {
		return build.Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return definition, nil
}

// Decode parses and validates a YAML definition. Unknown fields are rejected.
func Decode(r io.Reader, baseDir string) (build.Definition, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var definition build.Definition
	if err := decoder.Decode(&definition); err != nil {
		return build.Definition{}, fmt.Errorf("decode pipeline definition: %w", err)
	}

	for i, dep := range definition.Dependencies {
		if dep.Source != "" && !filepath.IsAbs(dep.Source) {
			definition.Dependencies[i].Source = filepath.Join(baseDir, dep.Source)
		}
	}

	if err := definition.Validate(); err != nil {
		return build.Definition{}, err
	}
	return definition, nil
}
