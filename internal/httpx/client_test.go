package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(opts ...Option) *Client {
	c := NewClient(opts...)
	c.sleep = func(time.Duration) {}
	return c
}

func TestDoReturnsSuccessAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Drop the connection to simulate a transport failure.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newTestClient(WithMaxRetries(3))
	resp, err := client.Do(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Fatalf("hijack: %v", err)
		}
		conn.Close()
	}))
	defer server.Close()

	client := newTestClient(WithMaxRetries(2))
	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d attempts", got)
	}
}

func TestDoExpectedStatusReturnedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(WithMaxRetries(3))
	resp, err := client.Do(context.Background(), Request{
		Method:   http.MethodGet,
		URL:      server.URL,
		Expected: []int{http.StatusNotFound},
	})
	if err != nil {
		t.Fatalf("expected 404 to be returned as a domain signal, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
}

func TestDoUnexpectedStatusRaisedImmediately(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(WithMaxRetries(3))
	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", statusErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("unexpected status must not be retried, got %d attempts", got)
	}
}
