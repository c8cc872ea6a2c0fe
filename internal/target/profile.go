package target

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/xbuild/arch"
	"github.com/cochaviz/xbuild/internal/setup"
)

// Options carries the optional overrides accepted by Resolve. Empty fields fall
// back to built-in defaults.
type Options struct {
	InstallRoot     string
	ToolchainPrefix string
	StorageDir      string
	SearchRoots     []string
}

// Profile is the resolved cross-compilation target. It is immutable once
// resolved and shared by reference across every recipe.
type Profile struct {
	arch            arch.Architecture
	host            string
	toolchainPrefix string
	installRoot     string
	searchRoots     []string
}

// Resolve turns a target identifier into a fully populated Profile. It does not
// touch the filesystem.
func Resolve(id string, opts Options) (*Profile, error) {
	architecture, err := arch.Parse(id)
	if err != nil {
		return nil, &UnsupportedTargetError{Target: id, Err: err}
	}

	host := architecture.Triplet()

	prefix := strings.TrimSpace(opts.ToolchainPrefix)
	if prefix == "" {
		prefix = host + "-"
	} else if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}

	root := strings.TrimSpace(opts.InstallRoot)
	if root == "" {
		storage := opts.StorageDir
		if storage == "" {
			storage = setup.StorageDir
		}
		root = filepath.Join(storage, architecture.Machine())
	}
	root = filepath.Clean(root)

	searchRoots := opts.SearchRoots
	if len(searchRoots) == 0 {
		searchRoots = defaultSearchRoots(host)
	}

	return &Profile{
		arch:            architecture,
		host:            host,
		toolchainPrefix: prefix,
		installRoot:     root,
		searchRoots:     append([]string(nil), searchRoots...),
	}, nil
}

func defaultSearchRoots(host string) []string {
	return []string{
		filepath.Join("/usr", host, "bin"),
		filepath.Join("/usr", host, "lib"),
		filepath.Join("/usr", host, "sys-root", "mingw", "bin"),
		filepath.Join("/usr", "lib", "gcc", host, "*"),
	}
}

func (p *Profile) Arch() arch.Architecture { return p.arch }
func (p *Profile) Host() string            { return p.host }
func (p *Profile) ToolchainPrefix() string { return p.toolchainPrefix }
func (p *Profile) InstallRoot() string     { return p.installRoot }
func (p *Profile) IncludeDir() string      { return filepath.Join(p.installRoot, "include") }
func (p *Profile) LibDir() string          { return filepath.Join(p.installRoot, "lib") }
func (p *Profile) BinDir() string          { return filepath.Join(p.installRoot, "bin") }
func (p *Profile) PkgConfigDir() string    { return filepath.Join(p.LibDir(), "pkgconfig") }

// SearchRoots returns the platform directories searched for toolchain runtime
// libraries, in priority order. Entries may contain glob patterns.
func (p *Profile) SearchRoots() []string {
	return append([]string(nil), p.searchRoots...)
}

// DistDir returns the final distributable tree for project.
func (p *Profile) DistDir(project string) string {
	return filepath.Join(p.installRoot, project)
}

// Tool returns the cross tool name, e.g. x86_64-w64-mingw32-gcc.
func (p *Profile) Tool(name string) string {
	return p.toolchainPrefix + name
}

// Vars returns the named variables derived from the profile. The same names are
// used as command template keys and injected as environment variables.
func (p *Profile) Vars() map[string]string {
	return map[string]string{
		"XBUILD_ARCH":         p.arch.String(),
		"HOST":                p.host,
		"CROSS_PREFIX":        p.toolchainPrefix,
		"PREFIX":              p.installRoot,
		"INCLUDE_DIR":         p.IncludeDir(),
		"LIB_DIR":             p.LibDir(),
		"BIN_DIR":             p.BinDir(),
		"CC":                  p.Tool("gcc"),
		"CXX":                 p.Tool("g++"),
		"AR":                  p.Tool("ar"),
		"RANLIB":              p.Tool("ranlib"),
		"STRIP":               p.Tool("strip"),
		"WINDRES":             p.Tool("windres"),
		"CPPFLAGS":            "-I" + p.IncludeDir(),
		"LDFLAGS":             "-L" + p.LibDir(),
		"PKG_CONFIG_LIBDIR":   p.PkgConfigDir(),
		"PKG_CONFIG_PATH":     p.PkgConfigDir(),
		"XBUILD_SEARCH_ROOTS": strings.Join(p.searchRoots, string(os.PathListSeparator)),
		"SHARED_LIB_SUFFIX":   ".dll",
	}
}

// Environ merges the profile variables into base. Profile values replace
// existing keys and BIN_DIR is prepended to PATH. The result is sorted.
func (p *Profile) Environ(base []string) []string {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}

	for key, value := range p.Vars() {
		env[key] = value
	}

	if path := env["PATH"]; path != "" {
		env["PATH"] = p.BinDir() + string(os.PathListSeparator) + path
	} else {
		env["PATH"] = p.BinDir()
	}

	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

// EnsureInstallTree creates every directory derived from the install root and
// verifies that the root is writable.
func EnsureInstallTree(p *Profile) error {
	if p == nil {
		return errors.New("profile is nil")
	}

	for _, dir := range []string{p.installRoot, p.IncludeDir(), p.LibDir(), p.BinDir(), p.PkgConfigDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &FilesystemError{Op: "create", Path: dir, Err: err}
		}
	}

	probe, err := os.CreateTemp(p.installRoot, ".xbuild-probe-*")
	if err != nil {
		return &FilesystemError{Op: "write", Path: p.installRoot, Err: err}
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return &FilesystemError{Op: "write", Path: name, Err: err}
	}
	if err := os.Remove(name); err != nil {
		return &FilesystemError{Op: "remove", Path: name, Err: fmt.Errorf("cleanup probe: %w", err)}
	}
	return nil
}
