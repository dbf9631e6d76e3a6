// Package watcher implements the debounced, filtered, pausable filesystem
// watcher that observes the workspace and emits semantic change events.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	defaultDebounce = 100 * time.Millisecond
	batchBuffer     = 64
)

// Options configures a Watcher.
type Options struct {
	DebounceInterval time.Duration
	Source           types.EventSource // defaults to local
}

// Watcher watches a workspace root recursively. Raw events are mapped to
// semantic types, coalesced per path within the debounce window, and
// emitted in batches. There are no ordering guarantees beyond "events in a
// batch share that batch's window"; within a batch, insertion order holds.
type Watcher struct {
	root     string
	taskID   string
	source   types.EventSource
	debounce time.Duration

	fs      *fsnotify.Watcher
	ignorer *ignorer

	mu        sync.Mutex
	pending   map[string]*types.FileSystemEvent
	order     []string
	timer     *time.Timer
	paused    bool
	knownDirs map[string]bool
	dropped   int64

	batches chan []types.FileSystemEvent
	done    chan struct{}
	closed  bool
}

// New creates a watcher for root. Call Start to begin watching.
func New(root, taskID string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = defaultDebounce
	}
	if opts.Source == "" {
		opts.Source = types.SourceLocal
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      abs,
		taskID:    taskID,
		source:    opts.Source,
		debounce:  opts.DebounceInterval,
		fs:        fsw,
		ignorer:   newIgnorer(abs),
		pending:   make(map[string]*types.FileSystemEvent),
		knownDirs: make(map[string]bool),
		batches:   make(chan []types.FileSystemEvent, batchBuffer),
		done:      make(chan struct{}),
	}, nil
}

// Batches delivers debounced event batches. The channel is bounded; batches
// that cannot be delivered are dropped and counted.
func (w *Watcher) Batches() <-chan []types.FileSystemEvent {
	return w.batches
}

// Start registers the recursive watch and begins processing raw events.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, keep watching the rest
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr == nil && rel != "." && w.ignorer.ignored(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			log.Printf("watcher: failed to watch %s: %v", path, err)
			return nil
		}
		w.mu.Lock()
		w.knownDirs[path] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		case <-w.done:
			return
		}
	}
}

// handleRaw maps one raw fsnotify event into the pending buffer.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}

	// Directory-vs-file detection uses a stat on the event, not path
	// heuristics. For removed paths, fall back to the tracked set.
	isDir := false
	info, statErr := os.Stat(ev.Name)
	if statErr == nil {
		isDir = info.IsDir()
	} else {
		w.mu.Lock()
		isDir = w.knownDirs[ev.Name]
		w.mu.Unlock()
	}

	if w.ignorer.ignored(rel, isDir) {
		return
	}

	var evType types.FileSystemEventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		if isDir {
			evType = types.EventDirectoryCreated
			// New subtree: watch it and anything already inside.
			if err := w.addRecursive(ev.Name); err != nil {
				log.Printf("watcher: failed to watch new dir %s: %v", ev.Name, err)
			}
		} else {
			evType = types.EventFileCreated
		}
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		if isDir {
			evType = types.EventDirectoryDeleted
			w.mu.Lock()
			delete(w.knownDirs, ev.Name)
			w.mu.Unlock()
		} else {
			evType = types.EventFileDeleted
		}
	case ev.Op.Has(fsnotify.Write):
		if isDir {
			evType = types.EventDirectoryModified
		} else {
			evType = types.EventFileModified
		}
	default:
		// Chmod-only changes are noise.
		return
	}

	w.buffer(rel, evType, isDir)
}

// buffer coalesces the event per path and (re)arms the debounce timer.
func (w *Watcher) buffer(rel string, evType types.FileSystemEventType, isDir bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused || w.closed {
		return
	}

	if existing, ok := w.pending[rel]; ok {
		// A created file that keeps changing within the window is still a
		// create from the consumer's point of view.
		if existing.Type != types.EventFileCreated && existing.Type != types.EventDirectoryCreated {
			existing.Type = evType
		}
		if evType == types.EventFileDeleted || evType == types.EventDirectoryDeleted {
			existing.Type = evType
		}
		existing.IsDirectory = isDir
		existing.Timestamp = time.Now()
	} else {
		w.pending[rel] = &types.FileSystemEvent{
			ID:          uuid.New().String(),
			TaskID:      w.taskID,
			Type:        evType,
			Path:        filepath.ToSlash(rel),
			IsDirectory: isDir,
			Timestamp:   time.Now(),
			Source:      w.source,
		}
		w.order = append(w.order, rel)
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush emits everything buffered as one batch, in insertion order. The
// send happens under the lock (the channel is buffered and the send
// non-blocking) so it can never race the close.
func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused || w.closed || len(w.pending) == 0 {
		w.pending = make(map[string]*types.FileSystemEvent)
		w.order = nil
		return
	}
	batch := make([]types.FileSystemEvent, 0, len(w.order))
	for _, rel := range w.order {
		if ev, ok := w.pending[rel]; ok {
			batch = append(batch, *ev)
		}
	}
	w.pending = make(map[string]*types.FileSystemEvent)
	w.order = nil

	select {
	case w.batches <- batch:
	default:
		w.dropped += int64(len(batch))
		log.Printf("watcher: dropped batch of %d events (consumer behind)", len(batch))
	}
}

// Pause halts emission and clears the pending buffer. Events raised while
// paused are discarded, not replayed.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	w.pending = make(map[string]*types.FileSystemEvent)
	w.order = nil
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Resume re-enables emission, clearing anything buffered during the pause.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.pending = make(map[string]*types.FileSystemEvent)
	w.order = nil
}

// Paused reports whether emission is halted.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// PendingCount reports buffered-but-unflushed events.
func (w *Watcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops watching and closes the batch channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.batches)
	w.mu.Unlock()

	close(w.done)
	return w.fs.Close()
}
