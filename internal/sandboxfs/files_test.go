package sandboxfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nickmerrett/shadow/pkg/types"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace() error: %v", err)
	}
	return ws
}

func writeTestFile(t *testing.T, ws *Workspace, rel, content string) {
	t.Helper()
	abs := filepath.Join(ws.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePath_TraversalBlocked(t *testing.T) {
	ws := newTestWorkspace(t)

	for _, p := range []string{
		"../../etc/passwd",
		"..",
		"a/../../b",
		"/etc/passwd",
	} {
		if _, err := ws.ResolvePath(p); err == nil {
			t.Errorf("path %q escaped the workspace", p)
		}
	}

	for _, p := range []string{".", "a.txt", "src/a.txt", "a/../b"} {
		if _, err := ws.ResolvePath(p); err != nil {
			t.Errorf("valid path %q rejected: %v", p, err)
		}
	}

	// Absolute paths inside the root are accepted.
	if _, err := ws.ResolvePath(filepath.Join(ws.Root(), "inside.txt")); err != nil {
		t.Errorf("absolute path under root rejected: %v", err)
	}
}

func TestReadFile_TraversalIsSecurityError(t *testing.T) {
	ws := newTestWorkspace(t)
	res := ws.ReadFile("../../etc/passwd", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != types.ErrCodeSecurity {
		t.Errorf("expected SECURITY_ERROR, got %s", res.Error)
	}
}

func TestWriteFile_NewFile(t *testing.T) {
	ws := newTestWorkspace(t)

	res := ws.WriteFile("src/a.txt", "hello\nworld\n")
	if !res.Success {
		t.Fatalf("write failed: %s", res.Message)
	}
	if !res.IsNewFile {
		t.Error("expected isNewFile")
	}
	if res.LinesAdded != 2 || res.LinesRemoved != 0 {
		t.Errorf("expected 2 added / 0 removed, got %d/%d", res.LinesAdded, res.LinesRemoved)
	}

	read := ws.ReadFile("src/a.txt", &types.ReadOptions{Entire: true})
	if !read.Success || read.Content != "hello\nworld\n" {
		t.Errorf("round trip failed: %+v", read)
	}
}

func TestWriteFile_EditAccounting(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "f.txt", "a\nb\nc\n")

	res := ws.WriteFile("f.txt", "a\nX\nc\nd\n")
	if !res.Success || res.IsNewFile {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.LinesAdded != 2 || res.LinesRemoved != 1 {
		t.Errorf("expected 2 added / 1 removed, got %d/%d", res.LinesAdded, res.LinesRemoved)
	}
}

func TestReadFile_RangeClamping(t *testing.T) {
	ws := newTestWorkspace(t)

	var sb strings.Builder
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&sb, "line%d\n", i)
	}
	writeTestFile(t, ws, "big.txt", sb.String())

	tests := []struct {
		name       string
		start, end int
		wantStart  int
		wantEnd    int
	}{
		{"plain range", 10, 20, 10, 20},
		{"end defaults to max window", 1, 0, 1, 150},
		{"window cap", 1, 400, 1, 150},
		{"clamp start low", -5, 3, 1, 3},
		{"clamp start high", 1000, 0, 300, 300},
		{"end clamped to total", 290, 500, 290, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ws.ReadFile("big.txt", &types.ReadOptions{StartLine: tt.start, EndLine: tt.end})
			if !res.Success {
				t.Fatalf("read failed: %s", res.Message)
			}
			if res.StartLine != tt.wantStart || res.EndLine != tt.wantEnd {
				t.Errorf("range [%d,%d], want [%d,%d]", res.StartLine, res.EndLine, tt.wantStart, tt.wantEnd)
			}
			wantLines := tt.wantEnd - tt.wantStart + 1
			if got := len(splitLines(res.Content)); got != wantLines {
				t.Errorf("%d lines, want %d", got, wantLines)
			}
			if res.TotalLines != 300 {
				t.Errorf("totalLines %d, want 300", res.TotalLines)
			}
		})
	}
}

func TestReadFile_EmptyFile(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "empty.txt", "")

	res := ws.ReadFile("empty.txt", &types.ReadOptions{StartLine: 1, EndLine: 10})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Message)
	}
	if res.Content != "" || res.TotalLines != 0 {
		t.Errorf("unexpected: %+v", res)
	}
}

func TestReadFile_NotFound(t *testing.T) {
	ws := newTestWorkspace(t)
	res := ws.ReadFile("missing.txt", nil)
	if res.Success || res.Error != types.ErrCodeFileNotFound {
		t.Errorf("expected FILE_NOT_FOUND, got %+v", res)
	}
}

func TestDeleteFile_Idempotent(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "gone.txt", "x")

	first := ws.DeleteFile("gone.txt")
	if !first.Success || first.WasAlreadyDeleted {
		t.Errorf("first delete: %+v", first)
	}
	second := ws.DeleteFile("gone.txt")
	if !second.Success || !second.WasAlreadyDeleted {
		t.Errorf("second delete: %+v", second)
	}
}

func TestSearchReplace_UniquenessContract(t *testing.T) {
	ws := newTestWorkspace(t)

	t.Run("not unique leaves file untouched", func(t *testing.T) {
		writeTestFile(t, ws, "dup.txt", "x\nx\n")
		res := ws.SearchReplace("dup.txt", "x", "y")
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.Error != types.ErrCodeTextNotUnique || res.Occurrences != 2 {
			t.Errorf("expected TEXT_NOT_UNIQUE/2, got %s/%d", res.Error, res.Occurrences)
		}
		if got := ws.ReadFile("dup.txt", &types.ReadOptions{Entire: true}).Content; got != "x\nx\n" {
			t.Errorf("file mutated: %q", got)
		}
	})

	t.Run("empty old string", func(t *testing.T) {
		writeTestFile(t, ws, "f.txt", "abc")
		res := ws.SearchReplace("f.txt", "", "y")
		if res.Error != types.ErrCodeEmptyOldString {
			t.Errorf("expected EMPTY_OLD_STRING, got %s", res.Error)
		}
	})

	t.Run("identical strings", func(t *testing.T) {
		writeTestFile(t, ws, "f.txt", "abc")
		res := ws.SearchReplace("f.txt", "abc", "abc")
		if res.Error != types.ErrCodeIdenticalStrings {
			t.Errorf("expected IDENTICAL_STRINGS, got %s", res.Error)
		}
	})

	t.Run("not found", func(t *testing.T) {
		writeTestFile(t, ws, "f.txt", "abc")
		res := ws.SearchReplace("f.txt", "zzz", "y")
		if res.Error != types.ErrCodeTextNotFound || res.Occurrences != 0 {
			t.Errorf("expected TEXT_NOT_FOUND/0, got %s/%d", res.Error, res.Occurrences)
		}
	})

	t.Run("single occurrence replaces", func(t *testing.T) {
		writeTestFile(t, ws, "one.txt", "alpha\nbeta\ngamma\n")
		res := ws.SearchReplace("one.txt", "beta", "delta")
		if !res.Success {
			t.Fatalf("replace failed: %+v", res)
		}
		if res.Occurrences != 1 || res.OldLength != 4 || res.NewLength != 5 {
			t.Errorf("unexpected counts: %+v", res)
		}
		if res.LinesAdded != 1 || res.LinesRemoved != 1 {
			t.Errorf("expected 1/1 line change, got %d/%d", res.LinesAdded, res.LinesRemoved)
		}
		got := ws.ReadFile("one.txt", &types.ReadOptions{Entire: true}).Content
		if got != "alpha\ndelta\ngamma\n" {
			t.Errorf("content: %q", got)
		}
	})
}

func TestSearchReplace_RoundTrip(t *testing.T) {
	ws := newTestWorkspace(t)
	original := "one two three\n"
	writeTestFile(t, ws, "rt.txt", original)

	if res := ws.SearchReplace("rt.txt", "two", "TWO"); !res.Success {
		t.Fatalf("forward replace failed: %+v", res)
	}
	if res := ws.SearchReplace("rt.txt", "TWO", "two"); !res.Success {
		t.Fatalf("reverse replace failed: %+v", res)
	}
	if got := ws.ReadFile("rt.txt", &types.ReadOptions{Entire: true}).Content; got != original {
		t.Errorf("round trip broke content: %q", got)
	}
}

func TestGetFileStats(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "s.txt", "a\nb\nc")

	res := ws.GetFileStats("s.txt")
	if !res.Success || res.Stats == nil {
		t.Fatalf("stats failed: %+v", res)
	}
	if res.Stats.Lines != 3 {
		t.Errorf("expected 3 lines, got %d", res.Stats.Lines)
	}
	if res.Stats.Size != 5 {
		t.Errorf("expected size 5, got %d", res.Stats.Size)
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"hello\nworld\n", 2},
		{"a\nb", 2},
	}
	for _, tt := range tests {
		if got := countLines(tt.in); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
