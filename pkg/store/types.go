package store

import "time"

// Trigger is how an execution was initiated (spec §3).
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerEvent     Trigger = "event"
	TriggerAPI       Trigger = "api"
)

// Status is an ExecutionLog's lifecycle state. Terminal statuses never
// transition back (spec §3).
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
	StatusTimeout Status = "timeout"
)

// IsTerminal reports whether s is one of the four terminal outcomes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusKilled, StatusTimeout:
		return true
	default:
		return false
	}
}

// validTransition enforces the state machine in spec §4.4: pending can
// move to running, or straight to failed if dispatch itself (token
// minting, watchdog registration) fails before the sandbox is ever
// reached; running can only move to a terminal status; terminal statuses
// are sticky.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// ResourceUsage is what the sandbox or watchdog observed during execution.
type ResourceUsage struct {
	ExecutionTimeMS int64 `json:"execution_time_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
	CPUTimeMS       int64 `json:"cpu_time_ms"`
}

// SecurityFlag is a typed annotation describing a policy-relevant
// observation made during execution (spec §9 glossary).
type SecurityFlag struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExecutionLog is one record per execution attempt (spec §3).
type ExecutionLog struct {
	ID        string         `json:"id"`
	ScriptID  string         `json:"script_id"`
	TenantID  string         `json:"tenant_id"`
	InvokerID string         `json:"invoker_id"`
	Trigger   Trigger        `json:"trigger"`
	Context   map[string]any `json:"context"`
	Status    Status         `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ResourceUsage ResourceUsage `json:"resource_usage"`

	Output        string `json:"output"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CallbackCount int    `json:"callback_count"`

	SecurityFlags []SecurityFlag `json:"security_flags"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendOutput appends a line to the log's output buffer, truncating at
// the 4 KiB per-message cap the log.* capability enforces (spec §4.5).
func (e *ExecutionLog) AppendOutput(line string) {
	const maxLine = 4 * 1024
	if len(line) > maxLine {
		line = line[:maxLine]
	}
	if e.Output != "" {
		e.Output += "\n"
	}
	e.Output += line
}
