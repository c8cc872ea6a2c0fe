package artifacts

import (
	"github.com/cochaviz/xbuild/arch"
	"github.com/cochaviz/xbuild/internal/target"
)

// DefaultManifest returns the runtime libraries every MinGW-w64 build of
// project needs next to its executables.
func DefaultManifest(p *target.Profile, project string) Manifest {
	var patterns []Pattern

	switch p.Arch() {
	case arch.Win64:
		patterns = append(patterns, Pattern{Glob: "libgcc_s_seh-1.dll", Mandatory: true, Dest: DestBin})
	case arch.Win32:
		patterns = append(patterns, Pattern{Glob: "libgcc_s_dw2-1.dll", Mandatory: true, Dest: DestBin})
	case arch.WinARM64:
		// llvm-mingw ships libunwind instead of libgcc
		patterns = append(patterns, Pattern{Glob: "libunwind.dll", Dest: DestBin})
	}

	patterns = append(patterns,
		Pattern{Glob: "libwinpthread-1.dll", Mandatory: true, Dest: DestBin},
		Pattern{Glob: "libstdc++-6.dll", Dest: DestBin},
	)

	if project != "" {
		patterns = append(patterns,
			Pattern{Glob: "lib" + project + "*.dll", Mandatory: true, Dest: DestBin},
			Pattern{Glob: project + "*.exe", Dest: DestBin},
			Pattern{Glob: "lib" + project + "*.dll.a", Dest: DestLib},
		)
	}
	return Manifest{Patterns: patterns}
}
