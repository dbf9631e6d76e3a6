package vmm

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// FrameKind tags one multiplexed stream on the console line.
type FrameKind byte

const (
	FrameTerminal FrameKind = 0x01
	FrameRPC      FrameKind = 0x02
	FrameExec     FrameKind = 0x03
	FrameSystem   FrameKind = 0x04
)

// maxFramePayload bounds one frame. Larger payloads must be split by the
// sender.
const maxFramePayload = 1 << 20

// Frame is one unit on the console line. Framing is length-prefixed
// binary (1-byte kind, 4-byte big-endian length) so guest output can never
// forge a frame boundary the way string prefixes could.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds %d", len(f.Payload), maxFramePayload)
	}
	header := make([]byte, 5)
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	kind := FrameKind(header[0])
	switch kind {
	case FrameTerminal, FrameRPC, FrameExec, FrameSystem:
	default:
		return Frame{}, fmt.Errorf("unknown frame kind 0x%02x", header[0])
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload %d exceeds %d", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Bridge demultiplexes console frames to per-kind handlers and serializes
// outbound writes.
type Bridge struct {
	rw io.ReadWriter

	writeMu  sync.Mutex
	handlers map[FrameKind]func([]byte)
	mu       sync.Mutex
}

// NewBridge wraps a console stream.
func NewBridge(rw io.ReadWriter) *Bridge {
	return &Bridge{rw: rw, handlers: make(map[FrameKind]func([]byte))}
}

// Handle registers the handler for one frame kind.
func (b *Bridge) Handle(kind FrameKind, fn func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = fn
}

// Send writes one frame, serialized against concurrent senders.
func (b *Bridge) Send(kind FrameKind, payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return WriteFrame(b.rw, Frame{Kind: kind, Payload: payload})
}

// Run reads frames until the stream fails, dispatching each to its
// handler. Frames with no handler are dropped.
func (b *Bridge) Run() error {
	for {
		frame, err := ReadFrame(b.rw)
		if err != nil {
			return err
		}
		b.mu.Lock()
		fn := b.handlers[frame.Kind]
		b.mu.Unlock()
		if fn != nil {
			fn(frame.Payload)
		}
	}
}
