package sidecarclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nickmerrett/shadow/internal/metrics"
	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// EndpointResolver maps a task id to the base URL of its sidecar, e.g.
// "http://10.2.4.17:8080". Remote backends resolve the running pod's IP;
// the fallback is the in-cluster service DNS name.
type EndpointResolver func(ctx context.Context, taskID string) (string, error)

// ServiceURL is the in-cluster DNS endpoint for a task's sidecar.
func ServiceURL(taskID, namespace string, port int) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", types.SandboxName(taskID), namespace, port)
}

// Options configures a Client.
type Options struct {
	Namespace        string
	Port             int
	Timeout          time.Duration // per-attempt deadline
	MaxRetries       int
	RetryDelay       time.Duration // base backoff; delay doubles per attempt
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Resolver         EndpointResolver // nil = service DNS
	HTTPClient       *http.Client
}

// Client is the resilient sidecar RPC client. It owns the per-task circuit
// breaker map; requests for a single task are not ordered — callers needing
// ordering serialize at the call site.
type Client struct {
	opts     Options
	http     *http.Client
	breakers *breakerMap
	now      func() time.Time // test hook
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Resolver == nil {
		ns, port := opts.Namespace, opts.Port
		opts.Resolver = func(_ context.Context, taskID string) (string, error) {
			return ServiceURL(taskID, ns, port), nil
		}
	}
	return &Client{
		opts:     opts,
		http:     httpClient,
		breakers: newBreakerMap(opts.BreakerThreshold, opts.BreakerCooldown),
		now:      time.Now,
	}
}

// Close stops the breaker janitor.
func (c *Client) Close() { c.breakers.stop() }

// Forget drops per-task client state after cleanup.
func (c *Client) Forget(taskID string) { c.breakers.forget(taskID) }

// BreakerSnapshot exposes the task's breaker counters for health grading.
func (c *Client) BreakerSnapshot(taskID string) (failures int, lastFailure time.Time) {
	return c.breakers.snapshot(taskID)
}

// Do performs one JSON request against the task's sidecar with retries and
// the circuit breaker applied. body may be nil; a non-nil out receives the
// decoded response body.
func (c *Client) Do(ctx context.Context, taskID, method, path string, body, out any) error {
	if !c.breakers.allow(taskID, c.now()) {
		metrics.RPCRequests.WithLabelValues(string(KindCircuitOpen)).Inc()
		return &RPCError{Kind: KindCircuitOpen, TaskID: taskID, Message: "breaker open, failing fast", Err: ErrCircuitOpen}
	}

	base, err := c.opts.Resolver(ctx, taskID)
	if err != nil {
		// Discovery failure counts against the breaker like any transport
		// fault: an unfindable pod and an unreachable pod look the same.
		c.breakers.recordFailure(taskID, c.now())
		return &RPCError{Kind: KindNetwork, TaskID: taskID, Message: "resolve endpoint", Err: err}
	}
	url := strings.TrimSuffix(base, "/") + path

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return &RPCError{Kind: KindClient, TaskID: taskID, Message: "marshal request", Err: err}
		}
	}

	// delay * 2^(attempt-1), no jitter, capped attempts.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.opts.RetryDelay << 10
	bo.MaxElapsedTime = 0

	var lastErr *RPCError
	attempt := func() error {
		rpcErr := c.attempt(ctx, taskID, method, url, payload, out)
		if rpcErr == nil {
			return nil
		}
		lastErr = rpcErr
		if !rpcErr.Kind.Retryable() {
			return backoff.Permanent(rpcErr)
		}
		return rpcErr
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.opts.MaxRetries-1)), ctx))
	if err == nil {
		c.breakers.recordSuccess(taskID, c.now())
		metrics.RPCRequests.WithLabelValues("ok").Inc()
		return nil
	}

	// Only the last attempt's failure feeds the breaker.
	c.breakers.recordFailure(taskID, c.now())
	if lastErr != nil {
		metrics.RPCRequests.WithLabelValues(string(lastErr.Kind)).Inc()
		return lastErr
	}
	metrics.RPCRequests.WithLabelValues(string(KindUnknown)).Inc()
	return &RPCError{Kind: KindUnknown, TaskID: taskID, Message: "request failed", Err: err}
}

// attempt performs a single request with the per-attempt deadline.
func (c *Client) attempt(ctx context.Context, taskID, method, url string, payload []byte, out any) *RPCError {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return &RPCError{Kind: KindClient, TaskID: taskID, Message: "build request", Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		if attemptCtx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return &RPCError{Kind: kind, TaskID: taskID, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &RPCError{Kind: classifyTransport(err), TaskID: taskID, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &RPCError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       data,
			TaskID:     taskID,
			Message:    msg,
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &RPCError{Kind: KindUnknown, TaskID: taskID, Message: "decode response", Err: err}
		}
	}
	return nil
}

// Health fetches the sidecar /health and reports whether it is healthy.
func (c *Client) Health(ctx context.Context, taskID string) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	if err := c.Do(ctx, taskID, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
