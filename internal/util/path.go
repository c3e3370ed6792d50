package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands a leading "~" to the user's home directory and, for a
// relative result, anchors it at baseDir. An empty path stays empty.
func ResolvePath(path, baseDir string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve path %s: %w", path, err)
		}
		remainder := strings.TrimLeft(strings.TrimPrefix(path, "~"), "/\\")
		if remainder == "" {
			return filepath.Clean(home), nil
		}
		normalized := strings.ReplaceAll(remainder, "\\", "/")
		return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	return filepath.Clean(path), nil
}
