// Package sandbox is the Dispatcher's client to the out-of-process script
// sandbox (spec §6): POST /execute, POST /stop, GET /health.
package sandbox

import (
	"context"
)

// ExecuteRequest is the payload sent to the sandbox's /execute endpoint.
type ExecuteRequest struct {
	Code        string         `json:"code"`
	Context     map[string]any `json:"context"`
	TimeoutMS   int            `json:"timeout_ms"`
	MemoryBytes int64          `json:"memory_bytes"`
	Token       string         `json:"token"`
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	ScriptID    string         `json:"script_id"`
}

// TerminalStatus is the sandbox's verdict on an execution.
type TerminalStatus string

const (
	StatusSuccess TerminalStatus = "success"
	StatusFailed  TerminalStatus = "failed"
	StatusTimeout TerminalStatus = "timeout"
	StatusKilled  TerminalStatus = "killed"
)

// ResourceUsage reports what the sandbox measured during execution.
type ResourceUsage struct {
	WallTimeMS  int64 `json:"wall_time_ms"`
	MemoryBytes int64 `json:"memory_bytes_peak"`
	CallCount   int   `json:"call_count"`
}

// ExecuteResult is the sandbox's reply to an /execute call.
type ExecuteResult struct {
	Status        TerminalStatus `json:"status"`
	Output        string         `json:"output"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ResourceUsage ResourceUsage  `json:"resource_usage"`
	// Acknowledged is true once the sandbox has taken ownership of the
	// execution; the Dispatcher must never retry past this point even if
	// the connection that carried it subsequently fails.
	Acknowledged bool `json:"-"`
}

// Client is what the Dispatcher depends on; HTTPClient is the only
// production implementation.
type Client interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	Stop(ctx context.Context, executionID string) error
	Health(ctx context.Context) error
}
