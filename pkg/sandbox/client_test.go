package sandbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scriptwarden/broker/pkg/sandbox"
)

func TestHTTPClient_Execute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sandbox.ExecuteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(sandbox.ExecuteResult{
			Status: sandbox.StatusSuccess,
			Output: "42",
		})
	}))
	defer server.Close()

	client := sandbox.NewHTTPClient(server.URL, 2*time.Second)
	result, err := client.Execute(context.Background(), sandbox.ExecuteRequest{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != sandbox.StatusSuccess || result.Output != "42" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.Acknowledged {
		t.Fatal("expected result to be marked acknowledged")
	}
}

func TestHTTPClient_Execute_RetriesOnceBeforeAcknowledgement(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n == 1 {
			// Simulate a connection drop before the sandbox could respond.
			hijacker, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hijacker.Hijack()
				conn.Close()
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(sandbox.ExecuteResult{Status: sandbox.StatusSuccess})
	}))
	defer server.Close()

	client := sandbox.NewHTTPClient(server.URL, 2*time.Second)
	result, err := client.Execute(context.Background(), sandbox.ExecuteRequest{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != sandbox.StatusSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := sandbox.NewHTTPClient(server.URL, time.Second)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestHTTPClient_Health_Unreachable(t *testing.T) {
	client := sandbox.NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)
	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected health check against a closed port to fail")
	}
}

func TestHTTPClient_Stop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := sandbox.NewHTTPClient(server.URL, time.Second)
	if err := client.Stop(context.Background(), "exec-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
