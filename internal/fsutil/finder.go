// Package fsutil provides file system utility functions.
package fsutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles recursively collects the files under root whose extension is
// one of exts, compared case-insensitively. Hidden files and directories are
// skipped. The result is sorted so callers see a stable order.
func FindFiles(root string, exts ...string) ([]string, error) {
	if len(exts) == 0 {
		panic("at least one extension is required")
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && want[strings.ToLower(filepath.Ext(d.Name()))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
