package vmm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DialGuestPort connects to a guest port through Firecracker's vsock UDS.
// Protocol: connect to the UDS, send "CONNECT <port>\n", read "OK ...\n",
// then the connection is relayed to the guest.
func DialGuestPort(ctx context.Context, vsockPath string, port int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", vsockPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock UDS %s: %w", vsockPath, err)
	}

	_ = conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT %d: %w", port, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock response: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", strings.TrimSpace(line))
	}

	_ = conn.SetDeadline(time.Time{})
	return &vsockConn{Conn: conn, reader: reader}, nil
}

// vsockConn keeps the handshake reader so bytes buffered past the OK line
// are not lost.
type vsockConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *vsockConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// HTTPClient returns a client whose connections tunnel to the guest
// sidecar port through the machine's vsock.
func (m *Machine) HTTPClient() *http.Client {
	vsockPath := m.vsockPath
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return DialGuestPort(ctx, vsockPath, sidecarVsockPort)
			},
		},
	}
}
