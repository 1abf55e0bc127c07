package metrics

// Recorder wraps the package collectors behind nil-safe methods so callers
// can hold an optional *Recorder field (mirroring the pack's
// WebhookMetrics injection idiom: nil means "metrics disabled", not a
// panic).
type Recorder struct{}

// NewRecorder returns a Recorder bound to the package-level collectors.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordExecution observes one terminal execution outcome.
func (r *Recorder) RecordExecution(status, trigger string, durationSeconds float64) {
	if r == nil {
		return
	}
	ScriptExecutionsTotal.WithLabelValues(status, trigger).Inc()
	ScriptExecutionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSecurityViolation increments the security violation counter.
func (r *Recorder) RecordSecurityViolation() {
	if r == nil {
		return
	}
	SecurityViolationsTotal.Inc()
}

// RecordKillSwitchTrigger increments the kill-switch activation counter
// and sets the active gauge to 1.
func (r *Recorder) RecordKillSwitchTrigger() {
	if r == nil {
		return
	}
	KillSwitchTriggersTotal.Inc()
	KillSwitchActive.Set(1)
}

// RecordKillSwitchCleared sets the active gauge back to 0.
func (r *Recorder) RecordKillSwitchCleared() {
	if r == nil {
		return
	}
	KillSwitchActive.Set(0)
}

// SetConcurrentExecutions publishes the admission controller's live count.
func (r *Recorder) SetConcurrentExecutions(n int) {
	if r == nil {
		return
	}
	ConcurrentExecutions.Set(float64(n))
}

// SetSystemMemoryPercent publishes the watchdog's last host memory sample.
func (r *Recorder) SetSystemMemoryPercent(pct float64) {
	if r == nil {
		return
	}
	SystemMemoryUsagePercent.Set(pct)
}
