package sandboxfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	maxFileSearchResults = 10
	grepMaxCountPerFile  = 50
	grepContentLimit     = 250
)

// SearchFiles matches filenames against a glob (or substring when the
// query carries no glob metacharacters). Results are capped and returned
// relative to the workspace root.
func (w *Workspace) SearchFiles(query string, opts *types.FileSearchOptions) *types.FileSearchResult {
	roots := []string{w.root}
	if opts != nil && len(opts.TargetDirectories) > 0 {
		roots = roots[:0]
		for _, dir := range opts.TargetDirectories {
			abs, err := w.ResolvePath(dir)
			if err != nil {
				return &types.FileSearchResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Query: query}
			}
			roots = append(roots, abs)
		}
	}

	isGlob := strings.ContainsAny(query, "*?[")
	var files []string
	truncated := false

	for _, root := range roots {
		if truncated {
			break
		}
		filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if listIgnore[d.Name()] && p != root {
					return filepath.SkipDir
				}
				return nil
			}
			name := d.Name()
			matched := false
			if isGlob {
				matched, _ = filepath.Match(query, name)
			} else {
				matched = strings.Contains(strings.ToLower(name), strings.ToLower(query))
			}
			if !matched {
				return nil
			}
			if len(files) >= maxFileSearchResults {
				truncated = true
				return filepath.SkipAll
			}
			files = append(files, w.Rel(p))
			return nil
		})
	}

	if files == nil {
		files = []string{}
	}
	return &types.FileSearchResult{
		Success:   true,
		Message:   fmt.Sprintf("found %d files matching %q", len(files), query),
		Query:     query,
		Files:     files,
		Truncated: truncated,
	}
}

// GrepSearch runs ripgrep (falling back to grep) over the workspace.
// Default case-insensitive, 50 matches per file, content truncated to 250
// chars. No matches is a successful empty result.
func (w *Workspace) GrepSearch(ctx context.Context, query string, opts *types.GrepOptions) *types.GrepSearchResult {
	if query == "" {
		return &types.GrepSearchResult{Success: false, Error: types.ErrCodeValidation, Message: "query must not be empty", Matches: []string{}, DetailedMatches: []types.GrepMatch{}}
	}
	if opts == nil {
		opts = &types.GrepOptions{}
	}

	cmd := w.grepCommand(ctx, query, opts)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// Exit 1 means no matches: a successful empty result.
			return &types.GrepSearchResult{
				Success: true, Message: "no matches", Query: query,
				Matches: []string{}, DetailedMatches: []types.GrepMatch{},
			}
		}
		return &types.GrepSearchResult{
			Success: false, Error: types.ErrCodeInternal,
			Message: fmt.Sprintf("search failed: %v", err), Query: query,
			Matches: []string{}, DetailedMatches: []types.GrepMatch{},
		}
	}

	matches, detailed := parseGrepOutput(string(out))
	return &types.GrepSearchResult{
		Success:         true,
		Message:         fmt.Sprintf("%d matches", len(detailed)),
		Query:           query,
		Matches:         matches,
		DetailedMatches: detailed,
		MatchCount:      len(detailed),
	}
}

// grepCommand builds the rg invocation, or a grep equivalent when rg is
// not installed.
func (w *Workspace) grepCommand(ctx context.Context, query string, opts *types.GrepOptions) *exec.Cmd {
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"-n", "--with-filename", "--max-count", strconv.Itoa(grepMaxCountPerFile), "--no-heading", "--color", "never"}
		if !opts.CaseSensitive {
			args = append(args, "-i")
		}
		if opts.IncludePattern != "" {
			args = append(args, "--glob", opts.IncludePattern)
		}
		if opts.ExcludePattern != "" {
			args = append(args, "--glob", "!"+opts.ExcludePattern)
		}
		args = append(args, "--", query, w.root)
		return exec.CommandContext(ctx, rg, args...)
	}

	args := []string{"-rn", "-I", "--max-count", strconv.Itoa(grepMaxCountPerFile), "--exclude-dir", ".git", "--exclude-dir", "node_modules"}
	if !opts.CaseSensitive {
		args = append(args, "-i")
	}
	if opts.IncludePattern != "" {
		args = append(args, "--include", opts.IncludePattern)
	}
	if opts.ExcludePattern != "" {
		args = append(args, "--exclude", opts.ExcludePattern)
	}
	args = append(args, "-e", query, w.root)
	return exec.CommandContext(ctx, "grep", args...)
}

// parseGrepOutput splits "file:line:content" records, truncating content.
func parseGrepOutput(out string) ([]string, []types.GrepMatch) {
	var matches []string
	var detailed []types.GrepMatch

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		matches = append(matches, line)

		first := strings.Index(line, ":")
		if first < 0 {
			continue
		}
		second := strings.Index(line[first+1:], ":")
		if second < 0 {
			continue
		}
		second += first + 1

		lineNo, err := strconv.Atoi(line[first+1 : second])
		if err != nil {
			continue
		}
		content := line[second+1:]
		if len(content) > grepContentLimit {
			content = content[:grepContentLimit] + "..."
		}
		detailed = append(detailed, types.GrepMatch{
			File:       line[:first],
			LineNumber: lineNo,
			Content:    content,
		})
	}

	if matches == nil {
		matches = []string{}
	}
	if detailed == nil {
		detailed = []types.GrepMatch{}
	}
	return matches, detailed
}
