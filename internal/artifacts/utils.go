package artifacts

import (
	"errors"
	"path/filepath"
	"strings"
)

func fileURI(path string) string {
	return "file://" + path
}

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dll", ".exe":
		return "application/vnd.microsoft.portable-executable"
	case ".a", ".lib":
		return "application/x-archive"
	case ".iso":
		return "application/x-iso9660-image"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
