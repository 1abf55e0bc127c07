// Package resiliency wraps outbound HTTP calls to sinks the broker doesn't
// control — currently the kill-switch's alert webhook (spec §4.7) — with
// retry/jitter/circuit-breaking, so one flaky alert sink degrades to
// backoff rather than to a silently dropped kill-switch notification.
package resiliency

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Client wraps http.Client with resilience patterns:
//   - Exponential backoff with jitter between attempts
//   - A circuit breaker that stops sending to a sink that's clearly down
//
// Responses with status >= 500 count as failures and are retried; 4xx
// responses are treated as success from the breaker's point of view —
// retrying a malformed alert request would never succeed anyway.
type Client struct {
	http       *http.Client
	maxRetries int
	breaker    *CircuitBreaker
}

// NewClient builds a Client whose circuit breaker is scoped to name (used
// in error messages and worth keeping distinct per sink if the broker ever
// posts to more than one alert endpoint).
func NewClient(name string, maxRetries int, breakerThreshold int, breakerReset time.Duration) *Client {
	return &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
		breaker:    NewCircuitBreaker(name, breakerThreshold, breakerReset),
	}
}

// Do executes req, retrying up to maxRetries times after the first attempt
// (maxRetries+1 attempts in all) and rewinding the body via GetBody before
// each retry. It tags each attempt
// with X-Alert-Attempt so the receiving sink's logs can tell a resend from
// a duplicate kill-switch trip.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("resiliency: circuit open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				err = bodyErr
				break
			}
			req.Body = body
		}
		req.Header.Set("X-Alert-Attempt", strconv.Itoa(attempt+1))

		resp, err = c.http.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		jitter := time.Duration(rand.Intn(50)) * time.Millisecond
		time.Sleep(backoff + jitter)
	}

	c.breaker.Failure()
	return resp, err
}

// CircuitBreaker is a simple closed/open/half-open state machine: once
// failureCount reaches threshold it opens and rejects calls until
// resetTimeout has elapsed, at which point it allows one probe attempt
// (half-open) before deciding whether to close again.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "closed", "open", "half-open"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "closed",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "open" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "half-open"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "closed"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "open"
	}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
