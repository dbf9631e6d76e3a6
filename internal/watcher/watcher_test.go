package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nickmerrett/shadow/pkg/types"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	w, err := New(root, "t1", Options{DebounceInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, root
}

func waitBatch(t *testing.T, w *Watcher) []types.FileSystemEvent {
	t.Helper()
	select {
	case batch := <-w.Batches():
		return batch
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestWatcher_FileCreate(t *testing.T) {
	w, root := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	if len(batch) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(batch), batch)
	}
	ev := batch[0]
	if ev.Type != types.EventFileCreated {
		t.Errorf("expected file-created, got %s", ev.Type)
	}
	if ev.Path != "a.txt" {
		t.Errorf("expected path a.txt, got %s", ev.Path)
	}
	if ev.IsDirectory {
		t.Error("file reported as directory")
	}
	if ev.TaskID != "t1" {
		t.Errorf("expected taskId t1, got %s", ev.TaskID)
	}
}

func TestWatcher_DebounceCoalesces(t *testing.T) {
	w, root := newTestWatcher(t)
	path := filepath.Join(root, "burst.txt")

	// A burst of writes within the window yields exactly one event.
	for i := 0; i < 10; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	batch := waitBatch(t, w)
	count := 0
	for _, ev := range batch {
		if ev.Path == "burst.txt" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 coalesced event for burst.txt, got %d", count)
	}
}

func TestWatcher_DirectoryCreateUsesStat(t *testing.T) {
	w, root := newTestWatcher(t)

	// Directory name with an extension-looking suffix: stat, not the path
	// shape, must decide.
	if err := os.Mkdir(filepath.Join(root, "v1.2"), 0o755); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	found := false
	for _, ev := range batch {
		if ev.Path == "v1.2" {
			found = true
			if ev.Type != types.EventDirectoryCreated {
				t.Errorf("expected directory-created, got %s", ev.Type)
			}
			if !ev.IsDirectory {
				t.Error("directory not flagged")
			}
		}
	}
	if !found {
		t.Fatal("no event for created directory")
	}
}

func TestWatcher_IgnoresDenyList(t *testing.T) {
	w, root := newTestWatcher(t)

	if err := os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, w)
	for _, ev := range batch {
		if ev.Path != "keep.txt" {
			t.Errorf("ignored path leaked: %s", ev.Path)
		}
	}
}

func TestWatcher_PauseDiscards(t *testing.T) {
	w, root := newTestWatcher(t)

	w.Pause()
	if !w.Paused() {
		t.Fatal("watcher should report paused")
	}
	if err := os.WriteFile(filepath.Join(root, "during-pause.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	w.Resume()

	// Nothing buffered during pause may replay.
	if n := w.PendingCount(); n != 0 {
		t.Errorf("expected empty pending buffer after resume, got %d", n)
	}
	select {
	case batch := <-w.Batches():
		t.Errorf("unexpected batch after pause: %+v", batch)
	case <-time.After(200 * time.Millisecond):
	}

	// New events after resume flow again.
	if err := os.WriteFile(filepath.Join(root, "after-resume.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := waitBatch(t, w)
	if len(batch) == 0 || batch[0].Path != "after-resume.txt" {
		t.Errorf("expected after-resume event, got %+v", batch)
	}
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	w, root := newTestWatcher(t)

	sub := filepath.Join(root, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitBatch(t, w) // directory-created

	if err := os.WriteFile(filepath.Join(sub, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := waitBatch(t, w)
	found := false
	for _, ev := range batch {
		if ev.Path == "src/main.go" && ev.Type == types.EventFileCreated {
			found = true
		}
	}
	if !found {
		t.Errorf("expected event for src/main.go, got %+v", batch)
	}
}
