// Package capabilities implements the namespace.method table the Callback
// Broker dispatches into (spec §4.5 step 4): database, http, events, log,
// utils. Every method is allowlisted and its params JSON-Schema validated
// before the underlying handler ever runs.
package capabilities

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CallContext carries the per-execution state a capability handler needs:
// who is calling, what they are allowed to do, and where to send
// incidental output (log.* writes).
type CallContext struct {
	TenantID    string
	ScriptID    string
	ExecutionID string
	TenantGrant func(grant string) bool
	ScriptGrant func(grant string) bool
	Output      OutputSink
}

// OutputSink receives log.* writes, appended to the ExecutionLog's output
// buffer by the caller.
type OutputSink interface {
	Append(line string)
}

// Handler implements one namespace.method capability.
type Handler func(ctx context.Context, call CallContext, params map[string]any) (any, error)

// method is a registered capability: its handler, required grants, and an
// optional compiled JSON Schema for its params.
type method struct {
	handler        Handler
	requiredGrants []string // checked against CallContext.TenantGrant
	schema         *jsonschema.Schema
}

// Table is the capability registry the Broker dispatches namespace.method
// calls into.
type Table struct {
	methods map[string]method
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{methods: make(map[string]method)}
}

// qualifiedName joins a namespace and method the same way the broker's
// wire protocol does: "namespace.method".
func qualifiedName(namespace, methodName string) string {
	return namespace + "." + methodName
}

// Register adds a capability. schemaJSON may be empty to skip parameter
// validation (e.g. log.* and utils.now take no params).
func (t *Table) Register(namespace, methodName string, requiredGrants []string, schemaJSON string, handler Handler) error {
	name := qualifiedName(namespace, methodName)

	m := method{handler: handler, requiredGrants: requiredGrants}
	if schemaJSON != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("mem://capabilities/%s.schema.json", name)
		if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("capabilities: load schema for %s: %w", name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("capabilities: compile schema for %s: %w", name, err)
		}
		m.schema = compiled
	}

	t.methods[name] = m
	return nil
}

// Dispatch resolves namespace.method, checks the tenant grants, validates
// params against its schema, and invokes the handler. An unknown method, a
// missing grant and invalid params each return a plain fmt error whose
// message names the method and the reason; none of them is a typed
// brokererr forbidden error.
func (t *Table) Dispatch(ctx context.Context, call CallContext, namespace, methodName string, params map[string]any) (any, error) {
	name := qualifiedName(namespace, methodName)
	m, ok := t.methods[name]
	if !ok {
		return nil, fmt.Errorf("capabilities: unknown method %q", name)
	}

	for _, grant := range m.requiredGrants {
		if call.TenantGrant == nil || !call.TenantGrant(grant) {
			return nil, fmt.Errorf("capabilities: tenant missing grant %q for %s", grant, name)
		}
	}

	if m.schema != nil {
		if err := m.schema.Validate(params); err != nil {
			return nil, fmt.Errorf("capabilities: invalid params for %s: %w", name, err)
		}
	}

	return m.handler(ctx, call, params)
}
