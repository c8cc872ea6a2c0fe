package repositories

import "embed"

//go:embed assets/*.yaml
var embeddedDefinitions embed.FS

// DefaultPipeline is the name of the definition used when none is requested.
const DefaultPipeline = "mingw-w64"
