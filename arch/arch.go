package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture identifies a cross-compilation target by its pointer width and ISA.
type Architecture string

const (
	Win64    Architecture = "64-bit"
	Win32    Architecture = "32-bit"
	WinARM64 Architecture = "arm64"
)

// Supported returns the full list of supported target architectures.
func Supported() []Architecture {
	return []Architecture{
		Win64,
		Win32,
		WinARM64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case Win64, Win32, WinARM64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Triplet returns the GNU toolchain triplet producing binaries for a.
func (a Architecture) Triplet() string {
	switch a {
	case Win64:
		return "x86_64-w64-mingw32"
	case Win32:
		return "i686-w64-mingw32"
	case WinARM64:
		return "aarch64-w64-mingw32"
	default:
		return ""
	}
}

// Machine returns the CPU name used in directory and file names.
func (a Architecture) Machine() string {
	switch a {
	case Win64:
		return "x86_64"
	case Win32:
		return "i686"
	case WinARM64:
		return "aarch64"
	default:
		return ""
	}
}

// Bits returns the pointer width of the target.
func (a Architecture) Bits() int {
	if a == Win32 {
		return 32
	}
	return 64
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(Win64), "64", "x86_64", "x86-64", "amd64", "win64", "x86_64-w64-mingw32":
		return Win64
	case string(Win32), "32", "i686", "i386", "x86", "386", "win32", "i686-w64-mingw32":
		return Win32
	case string(WinARM64), "aarch64", "arm64ec", "aarch64-w64-mingw32":
		return WinARM64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
