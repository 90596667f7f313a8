package watchman

import (
	"path/filepath"
	"strings"
)

// normalizeExcluded cleans the configured exclusion list: trailing
// separators are dropped ("/foo/bar/" matches like "/foo/bar") and
// empty entries are ignored. A lone "/" is kept as the root.
func normalizeExcluded(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = filepath.ToSlash(dir)
		trimmed := strings.TrimRight(dir, "/")
		switch {
		case trimmed != "":
			out = append(out, trimmed)
		case dir != "":
			out = append(out, "/")
		}
	}
	return out
}

// IsExcluded reports whether path equals one of dirs or lies beneath it.
// The test is on whole path segments: "/foo/barbaz" is not under
// "/foo/bar". dirs must already be normalized.
func IsExcluded(path string, dirs []string) bool {
	for _, dir := range dirs {
		if dir == "/" {
			if strings.HasPrefix(path, "/") {
				return true
			}
			continue
		}
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

// FilterExcluded returns the descriptors whose path is not under any of
// dirs, in their original order. With no dirs the input is returned as is.
func FilterExcluded(files []ChangeDescriptor, dirs []string) []ChangeDescriptor {
	if len(dirs) == 0 {
		return files
	}
	dirs = normalizeExcluded(dirs)

	kept := make([]ChangeDescriptor, 0, len(files))
	for _, f := range files {
		if IsExcluded(f.Path, dirs) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
