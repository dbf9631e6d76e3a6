// Package terminal implements the bounded terminal ring buffer with
// backpressure, subscriber fan-out and periodic flushing.
package terminal

import (
	"log"
	"sync"
	"time"

	"github.com/nickmerrett/shadow/internal/metrics"
	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	// entryOverheadBytes is the fixed per-entry memory estimate added to
	// len(data)*2. The admission math must stay deterministic, so the
	// estimator is part of the contract.
	entryOverheadBytes = 100

	dropLogEvery = 100

	defaultMaxSize       = 10000
	defaultMaxMemory     = 32 * 1024 * 1024
	defaultThreshold     = 0.8
	defaultFlushInterval = 5 * time.Minute
	subscriberBuffer     = 256
)

// Options configures a Buffer. Zero values take defaults.
type Options struct {
	MaxSize               int
	MaxMemoryBytes        int64
	BackpressureThreshold float64
	FlushInterval         time.Duration
}

// Buffer is an append-only bounded log of terminal entries. Entries are
// admitted under a backpressure policy, evicted from the head when limits
// are exceeded, and fanned out to subscriber channels.
type Buffer struct {
	mu      sync.Mutex
	entries []types.TerminalEntry
	nextID  int64
	memory  int64

	maxSize   int
	maxMemory int64
	threshold float64

	inBackpressure bool
	drops          int64
	totalDrops     int64

	subs   map[int]chan types.TerminalEntry
	nextSub int
	subDrops int64

	flushInterval time.Duration
	flushTicker   *time.Ticker
	done          chan struct{}
	destroyed     bool
}

// NewBuffer creates a buffer and starts its periodic flush.
func NewBuffer(opts Options) *Buffer {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = defaultMaxMemory
	}
	if opts.BackpressureThreshold <= 0 || opts.BackpressureThreshold > 1 {
		opts.BackpressureThreshold = defaultThreshold
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	b := &Buffer{
		maxSize:       opts.MaxSize,
		maxMemory:     opts.MaxMemoryBytes,
		threshold:     opts.BackpressureThreshold,
		subs:          make(map[int]chan types.TerminalEntry),
		flushInterval: opts.FlushInterval,
		done:          make(chan struct{}),
		nextID:        1,
	}

	b.flushTicker = time.NewTicker(b.flushInterval)
	go b.flushLoop()
	return b
}

func entryMemory(data string) int64 {
	return int64(len(data))*2 + entryOverheadBytes
}

// AddEntry appends an entry unless the buffer is under backpressure.
// Returns the admitted entry and true, or a zero entry and false when the
// entry was dropped. Entry ids are strictly monotonic.
func (b *Buffer) AddEntry(kind types.TerminalEntryKind, data string, processID int) (types.TerminalEntry, bool) {
	b.mu.Lock()

	if b.destroyed {
		b.mu.Unlock()
		return types.TerminalEntry{}, false
	}

	overSize := float64(len(b.entries)) >= float64(b.maxSize)*b.threshold
	overMemory := float64(b.memory) >= float64(b.maxMemory)*b.threshold
	if overSize || overMemory {
		if !b.inBackpressure {
			b.inBackpressure = true
			log.Printf("terminal: entering backpressure (size=%d memory=%d)", len(b.entries), b.memory)
		}
		b.drops++
		b.totalDrops++
		metrics.TerminalDrops.Inc()
		if b.drops%dropLogEvery == 0 {
			log.Printf("terminal: dropped %d entries under backpressure", b.drops)
		}
		b.mu.Unlock()
		return types.TerminalEntry{}, false
	}

	if b.inBackpressure {
		b.inBackpressure = false
		log.Printf("terminal: backpressure cleared after dropping %d entries", b.drops)
		b.drops = 0
	}

	entry := types.TerminalEntry{
		ID:        b.nextID,
		Timestamp: time.Now(),
		Kind:      kind,
		ProcessID: processID,
		Data:      data,
	}
	b.nextID++
	b.entries = append(b.entries, entry)
	b.memory += entryMemory(data)

	// Evict from the head while either limit is still exceeded.
	for len(b.entries) > 0 && (len(b.entries) > b.maxSize || b.memory > b.maxMemory) {
		head := b.entries[0]
		b.entries = b.entries[1:]
		b.memory -= entryMemory(head.Data)
	}

	subs := make([]chan types.TerminalEntry, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	// Fan out without holding the lock. A full subscriber drops the entry;
	// subscribers can never stall or corrupt the buffer.
	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			b.mu.Lock()
			b.subDrops++
			b.mu.Unlock()
		}
	}

	return entry, true
}

// Subscribe registers a bounded channel receiving each admitted entry.
// Entries the consumer cannot keep up with are dropped and counted.
// The returned cancel func closes the channel.
func (b *Buffer) Subscribe() (<-chan types.TerminalEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan types.TerminalEntry, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// GetRecent returns the last n entries in order.
func (b *Buffer) GetRecent(n int) []types.TerminalEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]types.TerminalEntry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// GetSince returns all entries with id strictly greater than id.
func (b *Buffer) GetSince(id int64) []types.TerminalEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Entries are id-ordered; find the first entry past id.
	lo, hi := 0, len(b.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.entries[mid].ID <= id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	out := make([]types.TerminalEntry, len(b.entries)-lo)
	copy(out, b.entries[lo:])
	return out
}

// GetInRange returns entries with t0 <= timestamp <= t1.
func (b *Buffer) GetInRange(t0, t1 time.Time) []types.TerminalEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.TerminalEntry
	for _, e := range b.entries {
		if !e.Timestamp.Before(t0) && !e.Timestamp.After(t1) {
			out = append(out, e)
		}
	}
	return out
}

// Stats is a snapshot of buffer occupancy and drop counters.
type Stats struct {
	Size            int
	MemoryBytes     int64
	InBackpressure  bool
	TotalDrops      int64
	SubscriberDrops int64
}

// Stats returns current occupancy and drop counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:            len(b.entries),
		MemoryBytes:     b.memory,
		InBackpressure:  b.inBackpressure,
		TotalDrops:      b.totalDrops,
		SubscriberDrops: b.subDrops,
	}
}

func (b *Buffer) flushLoop() {
	for {
		select {
		case <-b.flushTicker.C:
			b.flushOld()
		case <-b.done:
			return
		}
	}
}

// flushOld drops entries older than twice the flush interval.
func (b *Buffer) flushOld() {
	cutoff := time.Now().Add(-2 * b.flushInterval)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.entries) && b.entries[i].Timestamp.Before(cutoff) {
		b.memory -= entryMemory(b.entries[i].Data)
		i++
	}
	if i > 0 {
		b.entries = append([]types.TerminalEntry(nil), b.entries[i:]...)
	}
}

// Destroy stops the flush timer, closes all subscriber channels and
// releases the ring. The buffer admits nothing afterwards.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.flushTicker.Stop()
	close(b.done)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.entries = nil
	b.memory = 0
}
