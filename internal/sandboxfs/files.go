package sandboxfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nickmerrett/shadow/pkg/types"
)

// ReadFile reads a file, optionally clamped to a line range. With
// entire=false, start clamps to [1, totalLines], end defaults to
// start+MaxLinesPerRead-1 and clamps to min(end, start+MAX-1, totalLines).
func (w *Workspace) ReadFile(path string, opts *types.ReadOptions) *types.FileReadResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.FileReadResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return &types.FileReadResult{Success: false, Error: types.ErrCodeFileNotFound, Message: fmt.Sprintf("file not found: %s", path), Path: path}
	}
	if info.IsDir() {
		return &types.FileReadResult{Success: false, Error: types.ErrCodeValidation, Message: fmt.Sprintf("%s is a directory", path), Path: path}
	}
	if info.Size() > w.maxFileBytes {
		return &types.FileReadResult{Success: false, Error: types.ErrCodeFileTooLarge, Message: fmt.Sprintf("file exceeds %d bytes", w.maxFileBytes), Path: path}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return &types.FileReadResult{Success: false, Error: types.ErrCodeInternal, Message: err.Error(), Path: path}
	}
	content := string(data)
	totalLines := countLines(content)

	if opts == nil || opts.Entire {
		return &types.FileReadResult{
			Success:    true,
			Message:    fmt.Sprintf("read %s", path),
			Path:       path,
			Content:    content,
			StartLine:  1,
			EndLine:    totalLines,
			TotalLines: totalLines,
		}
	}

	if totalLines == 0 {
		return &types.FileReadResult{
			Success: true, Message: fmt.Sprintf("read %s (empty)", path),
			Path: path, StartLine: 1, EndLine: 0, TotalLines: 0,
		}
	}

	start := opts.StartLine
	if start < 1 {
		start = 1
	}
	if start > totalLines {
		start = totalLines
	}
	end := opts.EndLine
	if end <= 0 {
		end = start + MaxLinesPerRead - 1
	}
	if max := start + MaxLinesPerRead - 1; end > max {
		end = max
	}
	if end > totalLines {
		end = totalLines
	}

	lines := splitLines(content)
	section := strings.Join(lines[start-1:end], "\n")

	return &types.FileReadResult{
		Success:    true,
		Message:    fmt.Sprintf("read %s lines %d-%d", path, start, end),
		Path:       path,
		Content:    section,
		StartLine:  start,
		EndLine:    end,
		TotalLines: totalLines,
		Truncated:  end < totalLines,
	}
}

// GetFileStats returns size, line count and mtime for a path.
func (w *Workspace) GetFileStats(path string) *types.FileStatsResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.FileStatsResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return &types.FileStatsResult{Success: false, Error: types.ErrCodeFileNotFound, Message: fmt.Sprintf("file not found: %s", path), Path: path}
	}

	stats := &types.FileStats{
		Size:         info.Size(),
		IsDirectory:  info.IsDir(),
		LastModified: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}
	if !info.IsDir() && info.Size() <= w.maxFileBytes {
		if data, err := os.ReadFile(abs); err == nil {
			stats.Lines = countLines(string(data))
		}
	}
	return &types.FileStatsResult{Success: true, Message: fmt.Sprintf("stats for %s", path), Path: path, Stats: stats}
}

// WriteFile writes content, creating parent directories. IsNewFile comes
// from pre-existence; line accounting is a diff of old vs new content.
func (w *Workspace) WriteFile(path, content string) *types.FileWriteResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.FileWriteResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	var oldContent string
	isNew := false
	if data, readErr := os.ReadFile(abs); readErr == nil {
		oldContent = string(data)
	} else if os.IsNotExist(readErr) {
		isNew = true
	} else {
		return &types.FileWriteResult{Success: false, Error: types.ErrCodeInternal, Message: readErr.Error(), Path: path}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &types.FileWriteResult{Success: false, Error: types.ErrCodeInternal, Message: fmt.Sprintf("mkdir: %v", err), Path: path}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return &types.FileWriteResult{Success: false, Error: types.ErrCodeInternal, Message: fmt.Sprintf("write: %v", err), Path: path}
	}

	added, removed := diffLineCounts(oldContent, content)
	verb := "updated"
	if isNew {
		verb = "created"
	}
	return &types.FileWriteResult{
		Success:      true,
		Message:      fmt.Sprintf("%s %s", verb, path),
		Path:         path,
		IsNewFile:    isNew,
		LinesAdded:   added,
		LinesRemoved: removed,
	}
}

// DeleteFile removes a file. A missing file is not an error.
func (w *Workspace) DeleteFile(path string) *types.FileDeleteResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.FileDeleteResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return &types.FileDeleteResult{
			Success:           true,
			Message:           fmt.Sprintf("%s already deleted", path),
			Path:              path,
			WasAlreadyDeleted: true,
		}
	}
	if err := os.RemoveAll(abs); err != nil {
		return &types.FileDeleteResult{Success: false, Error: types.ErrCodeInternal, Message: err.Error(), Path: path}
	}
	return &types.FileDeleteResult{Success: true, Message: fmt.Sprintf("deleted %s", path), Path: path}
}

// SearchReplace replaces oldStr with newStr iff oldStr occurs exactly once.
// On any failure the file is untouched.
func (w *Workspace) SearchReplace(path, oldStr, newStr string) *types.SearchReplaceResult {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return &types.SearchReplaceResult{Success: false, Error: types.ErrCodeSecurity, Message: err.Error(), Path: path}
	}

	if oldStr == "" {
		return &types.SearchReplaceResult{Success: false, Error: types.ErrCodeEmptyOldString, Message: "old string must not be empty", Path: path}
	}
	if oldStr == newStr {
		return &types.SearchReplaceResult{Success: false, Error: types.ErrCodeIdenticalStrings, Message: "old and new strings are identical", Path: path}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return &types.SearchReplaceResult{Success: false, Error: types.ErrCodeFileNotFound, Message: fmt.Sprintf("file not found: %s", path), Path: path}
	}
	content := string(data)

	occurrences := strings.Count(content, oldStr)
	switch {
	case occurrences == 0:
		return &types.SearchReplaceResult{
			Success: false, Error: types.ErrCodeTextNotFound,
			Message: "old string not found", Path: path, Occurrences: 0,
		}
	case occurrences > 1:
		return &types.SearchReplaceResult{
			Success: false, Error: types.ErrCodeTextNotUnique,
			Message: fmt.Sprintf("old string occurs %d times, expected exactly one", occurrences),
			Path:    path, Occurrences: occurrences,
		}
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return &types.SearchReplaceResult{Success: false, Error: types.ErrCodeInternal, Message: err.Error(), Path: path}
	}

	added, removed := diffLineCounts(content, updated)
	return &types.SearchReplaceResult{
		Success:      true,
		Message:      fmt.Sprintf("replaced text in %s", path),
		Path:         path,
		Occurrences:  1,
		OldLength:    len(oldStr),
		NewLength:    len(newStr),
		LinesAdded:   added,
		LinesRemoved: removed,
	}
}
