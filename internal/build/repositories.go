package build

// DefinitionRepository provides pipeline definitions by name.
type DefinitionRepository interface {
	Get(name string) (Definition, error)
	ListAll() ([]Definition, error)
}
