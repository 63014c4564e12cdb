package snapshot

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// walk enumerates every regular file reachable from includes, skipping any
// subtree whose canonical path has an exclude path as a prefix. Returned
// paths are canonical (cleaned, absolute).
func walk(includes, excludes []string) ([]string, error) {
	cleanExcludes := make([]string, len(excludes))
	for i, e := range excludes {
		cleanExcludes[i] = filepath.Clean(e)
	}

	seen := make(map[string]struct{})
	var out []string

	for _, include := range includes {
		root := filepath.Clean(include)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			clean := filepath.Clean(path)
			if excluded(clean, cleanExcludes) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if _, ok := seen[clean]; ok {
				return nil
			}
			seen[clean] = struct{}{}
			out = append(out, clean)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// excluded reports whether path falls under any exclude prefix.
func excluded(path string, excludes []string) bool {
	for _, ex := range excludes {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
