package sandboxfs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/nickmerrett/shadow/pkg/types"
)

func requireGrepTool(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("rg"); err == nil {
		return
	}
	if _, err := exec.LookPath("grep"); err == nil {
		return
	}
	t.Skip("no rg or grep on PATH")
}

func TestGrepSearch_FindsMatch(t *testing.T) {
	requireGrepTool(t)
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "src/a.txt", "hello\nworld\n")

	res := ws.GrepSearch(context.Background(), "world", nil)
	if !res.Success {
		t.Fatalf("grep failed: %+v", res)
	}
	if res.MatchCount != 1 {
		t.Fatalf("expected 1 match, got %d", res.MatchCount)
	}
	m := res.DetailedMatches[0]
	if !strings.HasSuffix(m.File, "src/a.txt") {
		t.Errorf("file %s does not end with src/a.txt", m.File)
	}
	if m.LineNumber != 2 || m.Content != "world" {
		t.Errorf("unexpected match: %+v", m)
	}
}

func TestGrepSearch_NoMatchesIsSuccess(t *testing.T) {
	requireGrepTool(t)
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "a.txt", "nothing here\n")

	res := ws.GrepSearch(context.Background(), "zzzznotfound", nil)
	if !res.Success {
		t.Fatalf("exit 1 must be success: %+v", res)
	}
	if res.MatchCount != 0 || len(res.DetailedMatches) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestGrepSearch_CaseInsensitiveByDefault(t *testing.T) {
	requireGrepTool(t)
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "a.txt", "Hello World\n")

	res := ws.GrepSearch(context.Background(), "hello", nil)
	if res.MatchCount != 1 {
		t.Errorf("case-insensitive default broken: %+v", res)
	}

	sensitive := ws.GrepSearch(context.Background(), "hello", &types.GrepOptions{CaseSensitive: true})
	if sensitive.MatchCount != 0 {
		t.Errorf("case-sensitive search matched: %+v", sensitive)
	}
}

func TestGrepSearch_ContentTruncated(t *testing.T) {
	requireGrepTool(t)
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "long.txt", "needle "+strings.Repeat("x", 400)+"\n")

	res := ws.GrepSearch(context.Background(), "needle", nil)
	if res.MatchCount != 1 {
		t.Fatalf("expected 1 match: %+v", res)
	}
	content := res.DetailedMatches[0].Content
	if len(content) != grepContentLimit+3 || !strings.HasSuffix(content, "...") {
		t.Errorf("content not truncated to %d+ellipsis: len=%d", grepContentLimit, len(content))
	}
}

func TestSearchFiles_SubstringAndCap(t *testing.T) {
	ws := newTestWorkspace(t)
	for i := 0; i < 15; i++ {
		writeTestFile(t, ws, fmt.Sprintf("dir/file%02d_component.ts", i), "x")
	}
	writeTestFile(t, ws, "other.go", "x")

	res := ws.SearchFiles("component", nil)
	if !res.Success {
		t.Fatalf("search failed: %+v", res)
	}
	if len(res.Files) != maxFileSearchResults {
		t.Errorf("expected cap %d, got %d", maxFileSearchResults, len(res.Files))
	}
	if !res.Truncated {
		t.Error("expected truncated flag")
	}
	for _, f := range res.Files {
		if strings.HasPrefix(f, "/") {
			t.Errorf("path not relative: %s", f)
		}
	}
}

func TestSearchFiles_Glob(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "a/main.go", "x")
	writeTestFile(t, ws, "b/util.ts", "x")

	res := ws.SearchFiles("*.go", nil)
	if len(res.Files) != 1 || res.Files[0] != "a/main.go" {
		t.Errorf("glob search: %+v", res.Files)
	}
}

func TestSearchFiles_SkipsIgnoredDirs(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "node_modules/pkg/index.js", "x")
	writeTestFile(t, ws, "src/index.js", "x")

	res := ws.SearchFiles("index", nil)
	if len(res.Files) != 1 || res.Files[0] != "src/index.js" {
		t.Errorf("ignore set leaked: %+v", res.Files)
	}
}

func TestListDirectoryRecursive_OrderingAndIgnore(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "b.txt", "x")
	writeTestFile(t, ws, "a/one.txt", "x")
	writeTestFile(t, ws, "node_modules/dep/x.js", "x")
	writeTestFile(t, ws, "z/two.txt", "x")

	res := ws.ListDirectoryRecursive(".")
	if !res.Success {
		t.Fatalf("list failed: %+v", res)
	}

	var paths []string
	seenFile := false
	for _, e := range res.Entries {
		paths = append(paths, e.Path)
		if strings.HasPrefix(e.Path, "node_modules") {
			t.Errorf("ignored dir leaked: %s", e.Path)
		}
		if !e.IsDirectory {
			seenFile = true
		} else if seenFile {
			t.Errorf("directory %s after files", e.Path)
		}
	}

	want := []string{"a", "z", "a/one.txt", "b.txt", "z/two.txt"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("ordering: got %v, want %v", paths, want)
	}
}

func TestListDirectory_NotFound(t *testing.T) {
	ws := newTestWorkspace(t)
	res := ws.ListDirectory("nope")
	if res.Success || res.Error != types.ErrCodeDirNotFound {
		t.Errorf("expected DIRECTORY_NOT_FOUND, got %+v", res)
	}
}

func TestSemanticSearch_RanksByTermHits(t *testing.T) {
	ws := newTestWorkspace(t)
	writeTestFile(t, ws, "good.go", "circuit breaker opens after failures\nbreaker cooldown elapsed\n")
	writeTestFile(t, ws, "meh.go", "unrelated content with one breaker mention\n")
	writeTestFile(t, ws, "none.go", "nothing relevant\n")

	res := ws.SemanticSearch("circuit breaker cooldown", "owner/repo")
	if !res.Success {
		t.Fatalf("semantic search failed: %+v", res)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 scored files, got %d", len(res.Results))
	}
	if res.Results[0].File != "good.go" {
		t.Errorf("expected good.go ranked first, got %s", res.Results[0].File)
	}
	if res.Results[0].Score <= res.Results[1].Score {
		t.Errorf("scores not descending: %+v", res.Results)
	}
}
