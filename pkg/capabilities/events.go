package capabilities

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Publisher delivers a dispatched event to whatever downstream system the
// broker is configured with (message bus, webhook fanout, etc).
type Publisher interface {
	Publish(ctx context.Context, tenantID, event string, data map[string]any) error
}

// AllowPatternFor resolves the per-tenant event name allowlist pattern
// (spec §4.5 step 4's "per-tenant allowlist pattern").
type AllowPatternFor func(tenantID string) (*regexp.Regexp, error)

// reservedEventPrefix is never dispatchable by tenant scripts.
const reservedEventPrefix = "system."

// RegisterEvents wires events.dispatch(name, data), requiring the
// events.dispatch grant and checking the event name against the tenant's
// allowlist pattern.
func RegisterEvents(t *Table, publisher Publisher, allowPatternFor AllowPatternFor) error {
	handler := func(ctx context.Context, call CallContext, params map[string]any) (any, error) {
		name, _ := params["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("capabilities: events.dispatch requires a non-empty name")
		}
		if strings.HasPrefix(name, reservedEventPrefix) {
			return nil, fmt.Errorf("capabilities: event name %q uses the reserved %q prefix", name, reservedEventPrefix)
		}

		pattern, err := allowPatternFor(call.TenantID)
		if err != nil {
			return nil, fmt.Errorf("capabilities: resolve event allowlist: %w", err)
		}
		if pattern == nil || !pattern.MatchString(name) {
			return nil, fmt.Errorf("capabilities: event name %q is not in tenant's allowlist", name)
		}

		data, _ := params["data"].(map[string]any)
		if err := publisher.Publish(ctx, call.TenantID, name, data); err != nil {
			return nil, fmt.Errorf("capabilities: publish event: %w", err)
		}
		return map[string]any{"dispatched": true}, nil
	}

	return t.Register("events", "dispatch", []string{"events.dispatch"}, eventsDispatchSchema, handler)
}

const eventsDispatchSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"data": {"type": "object"}
	},
	"required": ["name"]
}`
