package vmm

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Kind: FrameTerminal, Payload: []byte("ls -la\n")},
		{Kind: FrameRPC, Payload: []byte(`{"method":"readFile"}`)},
		{Kind: FrameExec, Payload: nil},
		{Kind: FrameSystem, Payload: []byte{0x00, 0xff, 0x01}},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestFrame_PayloadCannotForgeBoundary(t *testing.T) {
	// A terminal payload containing what looks like a frame header must
	// come back intact as data.
	evil := []byte{byte(FrameRPC), 0, 0, 0, 4, 'e', 'v', 'i', 'l'}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Kind: FrameTerminal, Payload: evil}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != FrameTerminal || !bytes.Equal(got.Payload, evil) {
		t.Errorf("payload corrupted: %+v", got)
	}
	if buf.Len() != 0 {
		t.Errorf("%d trailing bytes misparsed", buf.Len())
	}
}

func TestReadFrame_RejectsUnknownKind(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7f, 0, 0, 0, 0})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(FrameTerminal))
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestBridge_DispatchesByKind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	bridge := NewBridge(server)
	term := make(chan []byte, 1)
	rpc := make(chan []byte, 1)
	bridge.Handle(FrameTerminal, func(p []byte) { term <- p })
	bridge.Handle(FrameRPC, func(p []byte) { rpc <- p })

	go bridge.Run()

	go func() {
		WriteFrame(client, Frame{Kind: FrameRPC, Payload: []byte("rpc-data")})
		WriteFrame(client, Frame{Kind: FrameTerminal, Payload: []byte("term-data")})
	}()

	select {
	case p := <-rpc:
		if string(p) != "rpc-data" {
			t.Errorf("rpc payload: %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("rpc frame not dispatched")
	}
	select {
	case p := <-term:
		if string(p) != "term-data" {
			t.Errorf("terminal payload: %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal frame not dispatched")
	}
}

func TestBridge_RunStopsOnEOF(t *testing.T) {
	client, server := net.Pipe()
	bridge := NewBridge(server)

	done := make(chan error, 1)
	go func() { done <- bridge.Run() }()

	client.Close()
	select {
	case err := <-done:
		if err != io.EOF && err != io.ErrClosedPipe {
			// net.Pipe surfaces closure as io.ErrClosedPipe or EOF
			// depending on timing; anything else is unexpected.
			if _, ok := err.(net.Error); !ok {
				t.Logf("run ended with: %v", err)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on closed stream")
	}
	server.Close()
}
