package sidecarclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	opts.Resolver = func(context.Context, string) (string, error) { return url, nil }
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func TestClient_SuccessfulRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"healthy":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	resp, err := c.Health(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if !resp.Healthy {
		t.Error("expected healthy")
	}
}

func TestClient_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success":true,"healthy":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{MaxRetries: 3})
	if _, err := c.Health(context.Background(), "t1"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{MaxRetries: 3})
	_, err := c.Health(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindClient {
		t.Fatalf("expected CLIENT error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not retry; got %d attempts", calls.Load())
	}
}

func TestClient_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{MaxRetries: 1, Timeout: 50 * time.Millisecond})
	_, err := c.Health(context.Background(), "t1")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindTimeout {
		t.Fatalf("expected TIMEOUT error, got %v", err)
	}
}

// Scenario: with threshold 3, three consecutive failing calls produce
// three RPC failures and an open-breaker failure on the fourth call within
// the cooldown; a successful call after the cooldown closes the breaker.
func TestClient_CircuitBreakerOpensAndRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success":true,"healthy":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{
		MaxRetries:       1,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})

	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Health(context.Background(), "t1"); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 network attempts, got %d", calls.Load())
	}

	// Fourth call inside the cooldown fails fast without touching the wire.
	_, err := c.Health(context.Background(), "t1")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_BREAKER_OPEN, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected ErrCircuitOpen in chain")
	}
	if calls.Load() != 3 {
		t.Errorf("open breaker touched the network: %d calls", calls.Load())
	}

	// After the cooldown a single successful probe fully closes it.
	now = now.Add(61 * time.Second)
	fail.Store(false)
	if _, err := c.Health(context.Background(), "t1"); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	failures, _ := c.BreakerSnapshot("t1")
	if failures != 0 {
		t.Errorf("breaker not closed after success: %d failures", failures)
	}
}

func TestClient_FailedProbeReopens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{
		MaxRetries:       1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})
	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.Health(ctx, "t1")
	c.Health(ctx, "t1") // breaker opens

	now = now.Add(61 * time.Second)
	c.Health(ctx, "t1") // failed half-open probe

	// Immediately after, the breaker is open again with a fresh timestamp.
	_, err := c.Health(ctx, "t1")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindCircuitOpen {
		t.Fatalf("expected reopened breaker, got %v", err)
	}
}

func TestClient_NoCrossTaskBleed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{MaxRetries: 1, BreakerThreshold: 1, BreakerCooldown: time.Minute})
	c.Health(context.Background(), "task-a") // opens task-a's breaker

	_, err := c.Health(context.Background(), "task-b")
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Kind == KindCircuitOpen {
		t.Error("task-b affected by task-a breaker")
	}
}

func TestServiceURL(t *testing.T) {
	got := ServiceURL("Task_42", "shadow-agents", 8080)
	want := "http://shadow-agent-task-42.shadow-agents.svc.cluster.local:8080"
	if got != want {
		t.Errorf("ServiceURL = %s, want %s", got, want)
	}
}
