package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/scriptwarden/broker/pkg/brokererr"
)

// retryBase, retryFactor, and retryJitter implement the Dispatcher's
// single-retry backoff policy (spec §4.4): base 200ms, factor 2, jitter
// +/-50ms, applied only when the sandbox has not yet acknowledged the
// execute call.
const (
	retryBase   = 200 * time.Millisecond
	retryFactor = 2
	retryJitter = 50 * time.Millisecond
)

// HTTPClient is the production sandbox.Client, talking to the
// out-of-process sandbox over HTTP with bounded, acknowledgement-aware
// retry.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
}

// NewHTTPClient creates a client bound to the sandbox's base URL.
func NewHTTPClient(baseURL string, requestTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}
}

func (c *HTTPClient) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if !c.breaker.Allow() {
		return nil, brokererr.New(brokererr.KindSandboxUnreachable, "sandbox circuit breaker open")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "encode execute request", err)
	}

	result, acked, err := c.postExecuteOnce(ctx, body)
	if err == nil {
		c.breaker.Success()
		result.Acknowledged = true
		return result, nil
	}

	if acked {
		// The sandbox took ownership before the error occurred (e.g. the
		// response was lost after it started running); never retry.
		c.breaker.Failure()
		return nil, brokererr.Wrap(brokererr.KindSandboxUnreachable, "sandbox acknowledged but reply lost", err)
	}

	// One retry with jittered backoff, only because the sandbox never
	// acknowledged the first attempt.
	if sleepErr := sleepWithJitter(ctx, retryBase, retryJitter); sleepErr != nil {
		c.breaker.Failure()
		return nil, brokererr.Wrap(brokererr.KindSandboxUnreachable, "interrupted before retry", sleepErr)
	}

	result, _, err = c.postExecuteOnce(ctx, body)
	if err != nil {
		c.breaker.Failure()
		return nil, brokererr.Wrap(brokererr.KindSandboxUnreachable, "sandbox unreachable after retry", err)
	}
	c.breaker.Success()
	result.Acknowledged = true
	return result, nil
}

// postExecuteOnce issues a single /execute attempt. The bool return is
// best-effort: true only once we have positive evidence (any HTTP
// response at all) that the sandbox received the request.
func (c *HTTPClient) postExecuteOnce(ctx context.Context, body []byte) (*ExecuteResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	acked := true // any response means the sandbox process handled the request
	if resp.StatusCode >= 500 {
		return nil, acked, fmt.Errorf("sandbox: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, acked, err
	}

	var result ExecuteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, acked, fmt.Errorf("sandbox: decode response: %w", err)
	}
	return &result, acked, nil
}

func (c *HTTPClient) Stop(ctx context.Context, executionID string) error {
	payload, _ := json.Marshal(map[string]string{"execution_id": executionID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stop", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return brokererr.Wrap(brokererr.KindSandboxUnreachable, "stop request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return brokererr.New(brokererr.KindSandboxUnreachable, fmt.Sprintf("stop: http %d", resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return brokererr.Wrap(brokererr.KindSandboxUnreachable, "health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return brokererr.New(brokererr.KindSandboxUnreachable, fmt.Sprintf("health: http %d", resp.StatusCode))
	}
	return nil
}

func sleepWithJitter(ctx context.Context, base, jitterMax time.Duration) error {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterMax)*2))
	jitter := jitterMax
	if err == nil {
		jitter = time.Duration(n.Int64()) - jitterMax
	}
	delay := base + jitter
	if delay < 0 {
		delay = base
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
