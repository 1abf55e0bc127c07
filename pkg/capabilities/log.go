package capabilities

import (
	"context"
	"fmt"
)

// MaxLogMessageBytes truncates every log.* write (spec §4.5 step 4).
const MaxLogMessageBytes = 4 * 1024

// RegisterLog wires log.info/warn/error/debug. These are unconditional —
// no tenant grant is required — and simply append to the execution's
// output buffer.
func RegisterLog(t *Table) error {
	for _, level := range []string{"info", "warn", "error", "debug"} {
		level := level
		handler := func(_ context.Context, call CallContext, params map[string]any) (any, error) {
			msg, _ := params["message"].(string)
			if len(msg) > MaxLogMessageBytes {
				msg = msg[:MaxLogMessageBytes]
			}
			if call.Output != nil {
				call.Output.Append(fmt.Sprintf("[%s] %s", level, msg))
			}
			return nil, nil
		}
		if err := t.Register("log", level, nil, logSchema, handler); err != nil {
			return err
		}
	}
	return nil
}

const logSchema = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`
