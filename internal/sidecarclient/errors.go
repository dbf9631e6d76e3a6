// Package sidecarclient implements the resilient HTTP client the control
// plane uses to reach in-sandbox sidecars: per-request timeouts, retries
// with exponential backoff, and a per-task circuit breaker.
package sidecarclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed sidecar request. The taxonomy drives both
// the retry policy and the circuit breaker.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "NETWORK"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindServer      ErrorKind = "SERVER"
	KindClient      ErrorKind = "CLIENT"
	KindCircuitOpen ErrorKind = "CIRCUIT_BREAKER_OPEN"
	KindUnknown     ErrorKind = "UNKNOWN"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindUnknown:
		return true
	}
	return false
}

// RPCError is the typed failure surfaced after retries are exhausted.
type RPCError struct {
	Kind       ErrorKind
	StatusCode int    // 0 when no HTTP response was received
	Body       []byte // raw response body for HTTP failures, when any
	TaskID     string
	Message    string
	Err        error
}

func (e *RPCError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sidecar rpc for %s: %s (%d): %s", e.TaskID, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sidecar rpc for %s: %s: %s", e.TaskID, e.Kind, e.Message)
}

func (e *RPCError) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned, wrapped in an RPCError, when the breaker
// rejects a call without touching the network.
var ErrCircuitOpen = errors.New("circuit breaker open")

// classifyTransport maps a transport-level error to its kind.
func classifyTransport(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case isTimeout(err):
		return KindTimeout
	case isNetwork(err):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// classifyStatus maps an HTTP status to its kind. 2xx never reaches here.
func classifyStatus(status int) ErrorKind {
	switch {
	case status >= 500 && status <= 599:
		return KindServer
	case status >= 400 && status <= 499:
		return KindClient
	default:
		return KindUnknown
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
