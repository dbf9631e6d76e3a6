package terminal

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nickmerrett/shadow/pkg/types"
)

// checkpoint is the on-disk snapshot format. The in-memory ring stays the
// source of truth; checkpoint files are best-effort.
type checkpoint struct {
	TaskID    string                `json:"taskId"`
	WrittenAt time.Time             `json:"writtenAt"`
	NextID    int64                 `json:"nextId"`
	Entries   []types.TerminalEntry `json:"entries"`
}

// WriteCheckpoint writes a gzip snapshot of the ring to path, atomically
// via a temp file. The file lives outside the workspace.
func (b *Buffer) WriteCheckpoint(path, taskID string) error {
	b.mu.Lock()
	cp := checkpoint{
		TaskID:    taskID,
		WrittenAt: time.Now(),
		NextID:    b.nextID,
		Entries:   append([]types.TerminalEntry(nil), b.entries...),
	}
	b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir checkpoint dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}

	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(cp); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadCheckpoint loads a snapshot written by WriteCheckpoint.
func ReadCheckpoint(path string) ([]types.TerminalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	var cp checkpoint
	if err := json.NewDecoder(zr).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp.Entries, nil
}

// StartCheckpoints writes a snapshot every interval until stop is called.
func (b *Buffer) StartCheckpoints(path, taskID string, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				// Best-effort: a failed write is logged, never fatal.
				if err := b.WriteCheckpoint(path, taskID); err != nil {
					log.Printf("terminal: checkpoint write failed: %v", err)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var stopOnce sync.Once
	return func() { stopOnce.Do(func() { close(done) }) }
}
