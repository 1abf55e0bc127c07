package capabilities

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxUtilsCallsPerExecution bounds utils.* calls within a single
// execution (spec §4.5 step 4), independent of the broker's overall
// 2000-callback cap.
const MaxUtilsCallsPerExecution = 1000

// UtilsLimiter tracks utils.* call counts per execution_id.
type UtilsLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewUtilsLimiter creates an empty limiter.
func NewUtilsLimiter() *UtilsLimiter {
	return &UtilsLimiter{counts: make(map[string]int)}
}

// allow increments and checks executionID's counter, returning false once
// MaxUtilsCallsPerExecution has been reached.
func (l *UtilsLimiter) allow(executionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[executionID]++
	return l.counts[executionID] <= MaxUtilsCallsPerExecution
}

// Reset drops the counter for a finished execution.
func (l *UtilsLimiter) Reset(executionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, executionID)
}

// RegisterUtils wires the pure utils.* helpers: now, uuid, hash, base64,
// json_parse. None require a tenant grant; all are subject to limiter.
func RegisterUtils(t *Table, limiter *UtilsLimiter) error {
	wrap := func(name string, schema string, fn Handler) error {
		guarded := func(ctx context.Context, call CallContext, params map[string]any) (any, error) {
			if !limiter.allow(call.ExecutionID) {
				return nil, fmt.Errorf("capabilities: utils call limit exceeded for execution %s", call.ExecutionID)
			}
			return fn(ctx, call, params)
		}
		return t.Register("utils", name, nil, schema, guarded)
	}

	if err := wrap("now", "", func(context.Context, CallContext, map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	}); err != nil {
		return err
	}

	if err := wrap("uuid", "", func(context.Context, CallContext, map[string]any) (any, error) {
		return uuid.New().String(), nil
	}); err != nil {
		return err
	}

	if err := wrap("hash", utilsHashSchema, func(_ context.Context, _ CallContext, params map[string]any) (any, error) {
		input, _ := params["input"].(string)
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	}); err != nil {
		return err
	}

	if err := wrap("base64", utilsBase64Schema, func(_ context.Context, _ CallContext, params map[string]any) (any, error) {
		input, _ := params["input"].(string)
		mode, _ := params["mode"].(string)
		switch mode {
		case "decode":
			decoded, err := base64.StdEncoding.DecodeString(input)
			if err != nil {
				return nil, fmt.Errorf("capabilities: base64 decode: %w", err)
			}
			return string(decoded), nil
		default:
			return base64.StdEncoding.EncodeToString([]byte(input)), nil
		}
	}); err != nil {
		return err
	}

	if err := wrap("json_parse", utilsJSONParseSchema, func(_ context.Context, _ CallContext, params map[string]any) (any, error) {
		input, _ := params["input"].(string)
		var parsed any
		if err := json.Unmarshal([]byte(input), &parsed); err != nil {
			return nil, fmt.Errorf("capabilities: invalid json: %w", err)
		}
		return parsed, nil
	}); err != nil {
		return err
	}

	return nil
}

const utilsHashSchema = `{
	"type": "object",
	"properties": {"input": {"type": "string"}},
	"required": ["input"]
}`

const utilsBase64Schema = `{
	"type": "object",
	"properties": {
		"input": {"type": "string"},
		"mode": {"type": "string", "enum": ["encode", "decode"]}
	},
	"required": ["input"]
}`

const utilsJSONParseSchema = `{
	"type": "object",
	"properties": {"input": {"type": "string"}},
	"required": ["input"]
}`
