package artifacts

import (
	"fmt"
	"strings"
)

// MissingArtifactError lists the mandatory patterns that matched nothing.
type MissingArtifactError struct {
	Patterns []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("mandatory artifacts not found: %s", strings.Join(e.Patterns, ", "))
}
