package sandboxfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nickmerrett/shadow/pkg/types"
)

// listIgnore are directory names skipped by recursive listings.
var listIgnore = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	".turbo":       true,
	"dist":         true,
	"build":        true,
}

// ListDirectory lists one directory, directories first, both groups
// lexicographic by relative path.
func (w *Workspace) ListDirectory(path string) *types.DirectoryListResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeDirNotFound, Message: fmt.Sprintf("directory not found: %s", path), Path: path}
	}
	if !info.IsDir() {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeValidation, Message: fmt.Sprintf("%s is not a directory", path), Path: path}
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeInternal, Message: err.Error(), Path: path}
	}

	entries := make([]types.DirectoryEntry, 0, len(dirEntries))
	for _, e := range dirEntries {
		var size int64
		if fi, err := e.Info(); err == nil && !e.IsDir() {
			size = fi.Size()
		}
		entries = append(entries, types.DirectoryEntry{
			Name:        e.Name(),
			Path:        w.Rel(filepath.Join(abs, e.Name())),
			IsDirectory: e.IsDir(),
			Size:        size,
		})
	}
	sortEntries(entries)

	return &types.DirectoryListResult{Success: true, Message: fmt.Sprintf("listed %s", path), Path: path, Entries: entries}
}

// ListDirectoryRecursive walks the tree below path, skipping the ignore
// set. Directories sort before files, both lexicographic by relative path.
func (w *Workspace) ListDirectoryRecursive(path string) *types.DirectoryListResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeDirNotFound, Message: fmt.Sprintf("directory not found: %s", path), Path: path}
	}

	var entries []types.DirectoryEntry
	walkErr := filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == abs {
			return nil
		}
		if d.IsDir() && listIgnore[d.Name()] {
			return filepath.SkipDir
		}
		var size int64
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			size = fi.Size()
		}
		entries = append(entries, types.DirectoryEntry{
			Name:        d.Name(),
			Path:        w.Rel(p),
			IsDirectory: d.IsDir(),
			Size:        size,
		})
		return nil
	})
	if walkErr != nil {
		return &types.DirectoryListResult{Success: false, Error: types.ErrCodeInternal, Message: walkErr.Error(), Path: path}
	}
	sortEntries(entries)

	return &types.DirectoryListResult{Success: true, Message: fmt.Sprintf("listed %s recursively", path), Path: path, Entries: entries}
}

// sortEntries orders directories first, then files, both lexicographic by
// relative path.
func sortEntries(entries []types.DirectoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Path < entries[j].Path
	})
}
