package packaging

import (
	"path"
	"path/filepath"
	"strings"
)

const (
	directoryIdentifierMaxLength = 31
	fileIdentifierMaxLength      = 30
)

// dCharacters is the character set kdomanski/iso9660 keeps when it mangles
// names; anything else becomes an underscore.
const dCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// ImagePath returns the path a dist-relative file ends up at inside the
// image, without the ";1" version suffix.
func ImagePath(rel string) string {
	segments := splitPath(rel)
	if len(segments) == 0 {
		return ""
	}

	for i, segment := range segments {
		if i == len(segments)-1 {
			segments[i] = strings.TrimSuffix(mangleFileName(segment), ";1")
			continue
		}
		segments[i] = mangleDString(segment, directoryIdentifierMaxLength)
	}
	return path.Join(segments...)
}

func splitPath(p string) []string {
	raw := strings.Split(filepath.ToSlash(p), "/")
	out := make([]string, 0, len(raw))
	for _, segment := range raw {
		if segment == "" || segment == "." {
			continue
		}
		out = append(out, segment)
	}
	return out
}

func mangleFileName(input string) string {
	parts := strings.Split(strings.ToLower(input), ".")

	const version = "1"
	name := parts[0]
	extension := ""
	if len(parts) > 1 {
		name = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}
	extension = mangleDString(extension, 8)

	maxNameLen := fileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxNameLen -= 1 + len(extension)
	}
	name = mangleDString(name, maxNameLen)

	if extension != "" {
		return name + "." + extension + ";" + version
	}
	return name + ";" + version
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(dCharacters, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// VolumeLabel builds an upper-case volume identifier of at most 32 characters.
func VolumeLabel(parts ...string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.Join(parts, "_") {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	if b.Len() == 0 {
		return "XBUILD"
	}
	return b.String()
}
