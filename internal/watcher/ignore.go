package watcher

import (
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Built-in deny list used when the workspace has no .gitignore, and always
// applied on top of it.
var denyDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	".turbo":       true,
	"dist":         true,
	"build":        true,
	"tmp":          true,
}

var denySuffixes = []string{
	".log",
	".tmp",
	".swp",
	".swo",
	"~",
}

var denyNames = map[string]bool{
	".DS_Store": true,
}

// ignorer filters watcher events through the workspace .gitignore when one
// exists, plus the built-in deny list.
type ignorer struct {
	gi *gitignore.GitIgnore // nil when the workspace has no .gitignore
}

func newIgnorer(root string) *ignorer {
	ig := &ignorer{}
	if gi, err := gitignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		ig.gi = gi
	}
	return ig
}

// ignored reports whether a workspace-relative path should be filtered.
func (ig *ignorer) ignored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}

	if denyNames[base] {
		return true
	}
	for _, suffix := range denySuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	for _, part := range strings.Split(rel, "/") {
		if denyDirs[part] {
			return true
		}
	}

	if ig.gi != nil && ig.gi.MatchesPath(rel) {
		return true
	}
	return false
}
