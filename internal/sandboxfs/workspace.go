// Package sandboxfs implements the rooted workspace filesystem shared by
// the local executor and the sidecar HTTP service: path confinement, file
// I/O with line accounting, search, and command execution. Tool-level
// failures are structured results, never errors.
package sandboxfs

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// MaxLinesPerRead caps a single ranged read.
const MaxLinesPerRead = 150

// ErrPathTraversal is returned by ResolvePath when the input escapes the
// workspace root. No I/O happens for such paths.
var ErrPathTraversal = errors.New("Path traversal detected")

// Workspace confines all operations to one rooted directory.
type Workspace struct {
	root          string
	maxFileBytes  int64
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithMaxFileSizeMB caps the size of files read; writes are not checked.
func WithMaxFileSizeMB(mb int) Option {
	return func(w *Workspace) {
		if mb > 0 {
			w.maxFileBytes = int64(mb) << 20
		}
	}
}

// NewWorkspace creates a workspace rooted at dir. The directory must exist.
func NewWorkspace(dir string, opts ...Option) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	w := &Workspace{root: abs, maxFileBytes: 10 << 20}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// ResolvePath resolves p against the root and rejects anything escaping it.
// This is the single path boundary: every operation goes through it.
func (w *Workspace) ResolvePath(p string) (string, error) {
	var joined string
	if filepath.IsAbs(p) {
		joined = filepath.Clean(p)
	} else {
		joined = filepath.Join(w.root, p)
	}

	rel, err := filepath.Rel(w.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		log.Printf("sandboxfs: rejected path escaping workspace: %q", p)
		return "", ErrPathTraversal
	}
	return joined, nil
}

// Rel converts an absolute path under the root back to workspace-relative.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// SizeBytes walks the workspace and sums file sizes.
func (w *Workspace) SizeBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// countLines counts newline-terminated lines; a trailing partial line
// counts as one. Empty content has zero lines.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// splitLines splits content into lines without a trailing empty element
// for newline-terminated content.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLineCounts computes added/removed counts between two contents as a
// multiset difference of lines. Deterministic and cheap; good enough for
// edit accounting.
func diffLineCounts(oldContent, newContent string) (added, removed int) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	counts := make(map[string]int, len(oldLines))
	for _, l := range oldLines {
		counts[l]++
	}
	for _, l := range newLines {
		if counts[l] > 0 {
			counts[l]--
		} else {
			added++
		}
	}
	for _, rest := range counts {
		removed += rest
	}
	return added, removed
}
