// Package broker implements the Callback Broker (spec §4.5): the single
// endpoint every sandboxed script call crosses to reach database, http,
// events, log, and utils capabilities. Capability dispatch is grounded in
// the teacher's firewall/firewall.go PolicyFirewall (allowlist + schema
// validation + delegate-to-handler), generalized from "tools" to
// "namespace.method" calls.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/scriptwarden/broker/pkg/brokererr"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/capabilities"
	"github.com/scriptwarden/broker/pkg/dispatcher"
	"github.com/scriptwarden/broker/pkg/metrics"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/scriptwarden/broker/pkg/tenants"
)

// maxCallbacks is the per-execution cap spec §4.5 names: "Exceeding 2000
// callbacks in a single execution aborts it with excessive_calls."
const maxCallbacks = 2000

// Request is the payload the sandbox posts to the callback endpoint.
type Request struct {
	ExecutionID string         `json:"execution_id"`
	Token       string         `json:"token"`
	Namespace   string         `json:"namespace"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
}

// validate rejects a Request missing any required field (spec §4.5 step
// 1: "reject on any missing field").
func (r Request) validate() error {
	switch {
	case r.ExecutionID == "":
		return fmt.Errorf("execution_id is required")
	case r.Token == "":
		return fmt.Errorf("token is required")
	case r.Namespace == "":
		return fmt.Errorf("namespace is required")
	case r.Method == "":
		return fmt.Errorf("method is required")
	}
	return nil
}

// Response mirrors spec §4.5 step 5's two shapes: a successful result, or
// a typed error.
type Response struct {
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the wire shape of a capability failure.
type ResponseError struct {
	Kind    brokererr.Kind `json:"kind"`
	Message string         `json:"message"`
}

// Terminator aborts an execution outright, used when the callback count
// cap is exceeded.
type Terminator interface {
	Stop(executionID string)
}

// Broker dispatches validated, authenticated callbacks into the
// capability table.
type Broker struct {
	Store      store.ExecutionStore
	TokenCache cache.Cache
	Table      *capabilities.Table
	Tenants    tenants.Store
	Scripts    scripts.Store
	Watchdog   Terminator
	MasterKey  []byte
	Metrics    *metrics.Recorder
	nowFn      func() time.Time
}

// New wires a Broker.
func New(execStore store.ExecutionStore, tokenCache cache.Cache, table *capabilities.Table, tenantStore tenants.Store, scriptStore scripts.Store, watchdog Terminator, masterKey []byte) *Broker {
	return &Broker{
		Store:      execStore,
		TokenCache: tokenCache,
		Table:      table,
		Tenants:    tenantStore,
		Scripts:    scriptStore,
		Watchdog:   watchdog,
		MasterKey:  masterKey,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements spec §4.5's full contract.
func (b *Broker) Handle(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return errorResponse(brokererr.KindValidation, err.Error()), nil
	}

	log, err := b.Store.Get(ctx, req.ExecutionID)
	if err != nil {
		return errorResponse(brokererr.KindForbidden, "unknown execution"), nil
	}
	if log.Status != store.StatusRunning {
		return errorResponse(brokererr.KindForbidden, "execution is not running"), nil
	}

	if !b.verifyToken(ctx, req) {
		return errorResponse(brokererr.KindForbidden, "invalid or expired token"), nil
	}

	count, err := b.Store.IncrementCallbackCount(ctx, req.ExecutionID)
	if err != nil {
		return errorResponse(brokererr.KindForbidden, "execution is not running"), nil
	}
	if count > maxCallbacks {
		_ = b.Store.Complete(ctx, req.ExecutionID, store.StatusKilled, "", string(brokererr.KindExcessiveCalls), store.ResourceUsage{})
		if b.Watchdog != nil {
			b.Watchdog.Stop(req.ExecutionID)
		}
		b.Metrics.RecordSecurityViolation()
		return errorResponse(brokererr.KindExcessiveCalls, "execution exceeded 2000 callbacks"), nil
	}

	_ = b.Store.AppendCallback(ctx, req.ExecutionID, req.Namespace, req.Method, req.Params)

	tenant, err := b.Tenants.Get(ctx, log.TenantID)
	if err != nil {
		return errorResponse(brokererr.KindInternal, "tenant lookup failed"), nil
	}
	script, err := b.Scripts.GetScript(ctx, log.ScriptID)
	if err != nil {
		return errorResponse(brokererr.KindInternal, "script lookup failed"), nil
	}

	call := capabilities.CallContext{
		TenantID:    log.TenantID,
		ScriptID:    log.ScriptID,
		ExecutionID: log.ID,
		TenantGrant: tenant.HasGrant,
		ScriptGrant: scriptGrantFunc(script),
		Output:      outputAppender{ctx: ctx, store: b.Store, executionID: log.ID},
	}

	result, err := b.Table.Dispatch(ctx, call, req.Namespace, req.Method, req.Params)
	if err != nil {
		return errorResponse(brokererr.KindExecutionFailed, err.Error()), nil
	}
	return &Response{Result: result}, nil
}

func (b *Broker) verifyToken(ctx context.Context, req Request) bool {
	raw, found, err := b.TokenCache.Get(ctx, dispatcher.TokenCacheKey(req.ExecutionID))
	if err != nil || !found {
		return false
	}
	record, err := dispatcher.UnmarshalTokenRecord(raw)
	if err != nil {
		return false
	}
	return dispatcher.VerifyToken(b.MasterKey, req.ExecutionID, req.Token, record, b.nowFn())
}

func scriptGrantFunc(script *scripts.Script) func(string) bool {
	return func(grant string) bool {
		for _, g := range script.RequiredCapabilities {
			if g == grant {
				return true
			}
		}
		return false
	}
}

func errorResponse(kind brokererr.Kind, message string) *Response {
	return &Response{Error: &ResponseError{Kind: kind, Message: message}}
}

// outputAppender adapts store.ExecutionStore to capabilities.OutputSink
// for log.* writes.
type outputAppender struct {
	ctx         context.Context
	store       store.ExecutionStore
	executionID string
}

func (o outputAppender) Append(line string) {
	_ = o.store.AppendOutput(o.ctx, o.executionID, line)
}
