// Package brokererr defines the stable, exported error kinds every
// component boundary maps onto before returning to a caller.
package brokererr

import "fmt"

// Kind is a stable error classification surfaced across the broker's
// component boundaries.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindCapacity           Kind = "capacity"
	KindKillSwitch         Kind = "kill_switch"
	KindSandboxUnreachable Kind = "sandbox_unreachable"
	KindExecutionFailed    Kind = "execution_failed"
	KindTimeout            Kind = "timeout"
	KindMemory             Kind = "memory"
	KindKilled             Kind = "killed"
	KindExcessiveCalls     Kind = "excessive_calls"
	KindInactiveVersion    Kind = "inactive_version"
	KindMissingCapability  Kind = "missing_capability"
	KindInternal           Kind = "internal"
)

// Error is the broker's typed error. Detail is recorded internally but
// Message is what callers see — it must never leak store/transport detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	// RetryHint, when non-zero, suggests a backoff in seconds for
	// rate_limited and quota_exceeded responses.
	RetryHint int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an Error of the given kind with a caller-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that records the underlying cause as Detail
// without exposing it in Message.
func Wrap(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Internal wraps an unexpected low-level failure (store, cache, transport)
// behind a generic message, per the propagation policy: detail is logged,
// never surfaced.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "an internal error occurred", cause)
}

// As extracts an *Error from err, returning (nil, false) if err is not one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// KindOf returns the Kind of err if it is a *Error, or KindInternal
// otherwise — the fail-closed default for unrecognised errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind onto the HTTP status code used by the admin API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 422
	case KindForbidden, KindMissingCapability:
		return 403
	case KindRateLimited, KindQuotaExceeded:
		return 429
	case KindCapacity:
		return 503
	case KindKillSwitch:
		return 503
	case KindInactiveVersion:
		return 409
	case KindSandboxUnreachable:
		return 502
	case KindExecutionFailed, KindTimeout, KindMemory, KindKilled, KindExcessiveCalls:
		return 200 // terminal execution outcomes, not transport failures
	default:
		return 500
	}
}

// ExitCode maps a Kind onto the process exit code spec.md §6 defines for
// cmd/scriptwarden: 0 ok, 2 validation failure, 3 admission denied,
// 4 execution failed, 70 internal error.
func (k Kind) ExitCode() int {
	switch k {
	case KindValidation:
		return 2
	case KindForbidden, KindRateLimited, KindQuotaExceeded, KindCapacity,
		KindKillSwitch, KindMissingCapability, KindInactiveVersion:
		return 3
	case KindExecutionFailed, KindTimeout, KindMemory, KindKilled,
		KindExcessiveCalls, KindSandboxUnreachable:
		return 4
	default:
		return 70
	}
}
