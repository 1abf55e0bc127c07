package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/brokererr"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/metrics"
	"github.com/scriptwarden/broker/pkg/sandbox"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/store"
)

// defaultTokenGrace extends a CapabilityToken's lifetime past the
// execution's own deadline, per spec §3: "destroyed at execution end or
// expiry (≤ execution deadline + grace)".
const defaultTokenGrace = 30 * time.Second

// WatchdogRegistrar is the narrow seam the Dispatcher needs into the
// Watchdog (spec §4.6): start a monitor when an execution begins running,
// and stop it once the Dispatcher itself has closed the log record.
type WatchdogRegistrar interface {
	Start(executionID string, timeoutMS int, memoryLimitBytes int64)
	Stop(executionID string)
}

// Dispatcher implements spec §4.4's state machine over an ExecutionLog.
type Dispatcher struct {
	Admission  *admission.Controller
	Store      store.ExecutionStore
	Sandbox    sandbox.Client
	TokenCache cache.Cache
	Watchdog   WatchdogRegistrar
	MasterKey  []byte

	// Metrics is optional; a nil Recorder silently drops observations.
	Metrics *metrics.Recorder

	// DefaultTimeoutMS/DefaultMemoryBytes apply when the Script does not
	// override them.
	DefaultTimeoutMS   int
	DefaultMemoryBytes int64
	nowFn              func() time.Time
}

// NewDispatcher wires a Dispatcher. masterKey is the process master key
// (spec §4.4) used to sign capability tokens.
func NewDispatcher(adm *admission.Controller, execStore store.ExecutionStore, sb sandbox.Client, tokenCache cache.Cache, wd WatchdogRegistrar, masterKey []byte) *Dispatcher {
	return &Dispatcher{
		Admission:          adm,
		Store:              execStore,
		Sandbox:            sb,
		TokenCache:         tokenCache,
		Watchdog:           wd,
		MasterKey:          masterKey,
		DefaultTimeoutMS:   30_000,
		DefaultMemoryBytes: 128 * 1024 * 1024,
		nowFn:              func() time.Time { return time.Now().UTC() },
	}
}

// Execute is the Dispatcher's contract: execute(script, context, trigger,
// invoker) -> ExecutionLog (spec §4.4).
func (d *Dispatcher) Execute(ctx context.Context, script *scripts.Script, version *scripts.ScriptVersion, tenantID string, requestContext map[string]any, trigger store.Trigger, invoker admission.Invoker) (*store.ExecutionLog, error) {
	startedAt := d.nowFn()
	decision, err := d.Admission.Admit(ctx, tenantID, script.ID, invoker)
	if err != nil {
		return nil, brokererr.Internal(err)
	}
	if !decision.Allowed {
		denial := brokererr.New(decision.Reason, decision.Detail)
		denial.RetryHint = decision.RetryAfter
		return nil, denial
	}

	log := &store.ExecutionLog{
		ScriptID:  script.ID,
		TenantID:  tenantID,
		InvokerID: invoker.ID,
		Trigger:   trigger,
		Context:   requestContext,
		Status:    store.StatusPending,
	}
	if err := d.Store.Create(ctx, log); err != nil {
		d.Admission.Release()
		return nil, brokererr.Internal(err)
	}

	filtered, dropped := FilterContext(requestContext)
	for _, key := range dropped {
		_ = d.Store.AppendSecurityFlag(ctx, log.ID, store.SecurityFlag{
			Type:    "context",
			Message: fmt.Sprintf("dropped reserved or non-JSON-representable key %q", key),
		})
		d.Metrics.RecordSecurityViolation()
	}

	timeoutMS := d.DefaultTimeoutMS
	if script.TimeoutSeconds > 0 {
		timeoutMS = script.TimeoutSeconds * 1000
	}
	memoryBytes := d.DefaultMemoryBytes
	if script.MemoryMB > 0 {
		memoryBytes = int64(script.MemoryMB) * 1024 * 1024
	}

	token, record, err := MintToken(d.MasterKey, log.ID, time.Duration(timeoutMS)*time.Millisecond+defaultTokenGrace, d.nowFn())
	if err != nil {
		d.finishWithInternalError(ctx, log.ID, trigger, startedAt, err)
		return d.Store.Get(ctx, log.ID)
	}
	raw, err := MarshalTokenRecord(record)
	if err != nil {
		d.finishWithInternalError(ctx, log.ID, trigger, startedAt, err)
		return d.Store.Get(ctx, log.ID)
	}
	if err := d.TokenCache.Set(ctx, TokenCacheKey(log.ID), raw, time.Duration(timeoutMS)*time.Millisecond+defaultTokenGrace); err != nil {
		d.finishWithInternalError(ctx, log.ID, trigger, startedAt, err)
		return d.Store.Get(ctx, log.ID)
	}

	if err := d.Store.TransitionToRunning(ctx, log.ID); err != nil {
		d.finishWithInternalError(ctx, log.ID, trigger, startedAt, err)
		return d.Store.Get(ctx, log.ID)
	}

	if d.Watchdog != nil {
		d.Watchdog.Start(log.ID, timeoutMS, memoryBytes)
	}

	deadline := d.nowFn().Add(time.Duration(timeoutMS) * time.Millisecond)
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := d.Sandbox.Execute(execCtx, sandbox.ExecuteRequest{
		Code:        version.Source,
		Context:     filtered,
		TimeoutMS:   timeoutMS,
		MemoryBytes: memoryBytes,
		Token:       token,
		ExecutionID: log.ID,
		TenantID:    tenantID,
		ScriptID:    script.ID,
	})

	d.teardown(ctx, log.ID)

	if err != nil {
		errMsg := err.Error()
		if berr, ok := brokererr.As(err); ok {
			errMsg = berr.Message
		}
		_ = d.Store.Complete(ctx, log.ID, store.StatusFailed, "", errMsg, store.ResourceUsage{})
		d.Metrics.RecordExecution(string(store.StatusFailed), string(trigger), d.nowFn().Sub(startedAt).Seconds())
		return d.Store.Get(ctx, log.ID)
	}

	status := terminalStatus(result.Status)
	usage := store.ResourceUsage{
		ExecutionTimeMS: result.ResourceUsage.WallTimeMS,
		PeakMemoryBytes: result.ResourceUsage.MemoryBytes,
		CPUTimeMS:       0,
	}
	if err := d.Store.Complete(ctx, log.ID, status, result.Output, result.ErrorMessage, usage); err != nil {
		return nil, brokererr.Internal(err)
	}
	d.Metrics.RecordExecution(string(status), string(trigger), d.nowFn().Sub(startedAt).Seconds())
	return d.Store.Get(ctx, log.ID)
}

// teardown revokes the capability token, stops the watchdog monitor, and
// releases the concurrency slot — the three things that must happen
// exactly once regardless of how the execution ended (spec §4.4, §5).
func (d *Dispatcher) teardown(ctx context.Context, executionID string) {
	_ = d.TokenCache.Del(ctx, TokenCacheKey(executionID))
	if d.Watchdog != nil {
		d.Watchdog.Stop(executionID)
	}
	d.Admission.Release()
}

func (d *Dispatcher) finishWithInternalError(ctx context.Context, executionID string, trigger store.Trigger, startedAt time.Time, cause error) {
	d.teardown(ctx, executionID)
	_ = d.Store.Complete(ctx, executionID, store.StatusFailed, "", brokererr.Internal(cause).Message, store.ResourceUsage{})
	d.Metrics.RecordExecution(string(store.StatusFailed), string(trigger), d.nowFn().Sub(startedAt).Seconds())
}

func terminalStatus(s sandbox.TerminalStatus) store.Status {
	switch s {
	case sandbox.StatusSuccess:
		return store.StatusSuccess
	case sandbox.StatusTimeout:
		return store.StatusTimeout
	case sandbox.StatusKilled:
		return store.StatusKilled
	default:
		return store.StatusFailed
	}
}
